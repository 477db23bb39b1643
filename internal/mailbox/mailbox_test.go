package mailbox

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/zczc/nano-agent-team/internal/index"
)

func newTestBox(t *testing.T) *Box {
	t.Helper()
	store, err := index.New(filepath.Join(t.TempDir(), "global_indices"))
	if err != nil {
		t.Fatal(err)
	}
	return New(store)
}

func TestSendAndPollFIFO(t *testing.T) {
	t.Parallel()
	box := newTestBox(t)

	for i := 0; i < 3; i++ {
		if _, err := box.Send("architect", "worker-1", fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	msgs, err := box.Poll("worker-1")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, m := range msgs {
		if m.Content != fmt.Sprintf("msg %d", i) {
			t.Errorf("message %d out of order: %q", i, m.Content)
		}
		if m.Sender != "architect" || m.Recipient != "worker-1" {
			t.Errorf("message %d addressing wrong: %+v", i, m)
		}
	}
}

func TestPollIsNonDestructive(t *testing.T) {
	t.Parallel()
	box := newTestBox(t)

	if _, err := box.Send("a", "b", "hello"); err != nil {
		t.Fatal(err)
	}
	first, err := box.Poll("b")
	if err != nil {
		t.Fatal(err)
	}
	second, err := box.Poll("b")
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("poll must not consume: %d then %d", len(first), len(second))
	}
	if first[0].ID != second[0].ID {
		t.Errorf("message identity changed across polls")
	}
}

func TestPollEmptyMailbox(t *testing.T) {
	t.Parallel()
	box := newTestBox(t)

	msgs, err := box.Poll("nobody")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("got %d messages from an absent mailbox", len(msgs))
	}
}

func TestSeenDedup(t *testing.T) {
	t.Parallel()
	box := newTestBox(t)

	if _, err := box.Send("a", "b", "one"); err != nil {
		t.Fatal(err)
	}
	seen := make(Seen)

	msgs, _ := box.Poll("b")
	fresh := seen.Unseen(msgs)
	if len(fresh) != 1 {
		t.Fatalf("first poll fresh = %d", len(fresh))
	}

	if _, err := box.Send("a", "b", "two"); err != nil {
		t.Fatal(err)
	}
	msgs, _ = box.Poll("b")
	fresh = seen.Unseen(msgs)
	if len(fresh) != 1 || fresh[0].Content != "two" {
		t.Fatalf("second poll fresh = %+v", fresh)
	}
}

func TestConcurrentSendsNoneLost(t *testing.T) {
	t.Parallel()
	box := newTestBox(t)

	const senders = 12
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := box.Send(fmt.Sprintf("s%d", n), "shared", fmt.Sprintf("from %d", n)); err != nil {
				t.Errorf("Send %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	msgs, err := box.Poll("shared")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != senders {
		t.Fatalf("got %d messages, want %d", len(msgs), senders)
	}
	ids := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		if ids[m.ID] {
			t.Errorf("duplicate message id %s", m.ID)
		}
		ids[m.ID] = true
	}
}
