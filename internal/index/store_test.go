package index

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

const docWithMeta = `---
name: "notes"
description: "test index"
usage_policy: "append freely"
---
# Notes
`

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "global_indices"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestCreateReadRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Create("notes.md", docWithMeta); err != nil {
		t.Fatalf("Create: %v", err)
	}
	doc, err := s.Read("notes.md")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if doc.Meta.Name != "notes" {
		t.Errorf("meta name = %q", doc.Meta.Name)
	}
	if !strings.Contains(doc.Body, "# Notes") {
		t.Errorf("body = %q", doc.Body)
	}
	if doc.Checksum != Checksum(docWithMeta) {
		t.Errorf("checksum mismatch")
	}
}

func TestCreateFailsIfExists(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Create("notes.md", docWithMeta); err != nil {
		t.Fatal(err)
	}
	if err := s.Create("notes.md", docWithMeta); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestCreateRejectsMissingFrontmatter(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	err := s.Create("bad.md", "# no header\n")
	if err == nil {
		t.Fatal("expected error for missing frontmatter")
	}

	// Incomplete frontmatter is also rejected.
	err = s.Create("bad.md", "---\nname: \"x\"\n---\nbody\n")
	if err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("expected incomplete-frontmatter error, got %v", err)
	}
}

func TestReadNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if _, err := s.Read("absent.md"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateCAS(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Create("notes.md", docWithMeta); err != nil {
		t.Fatal(err)
	}
	doc, err := s.Read("notes.md")
	if err != nil {
		t.Fatal(err)
	}

	next := strings.Replace(docWithMeta, "# Notes", "# Notes v2", 1)
	newSum, err := s.Update("notes.md", next, doc.Checksum)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if newSum != Checksum(next) {
		t.Errorf("new checksum mismatch")
	}

	// A second update with the stale checksum must conflict and must not
	// touch the document.
	_, err = s.Update("notes.md", docWithMeta, doc.Checksum)
	var conflict *ChecksumConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ChecksumConflictError, got %v", err)
	}
	if conflict.Current != newSum {
		t.Errorf("conflict should carry the current checksum")
	}
	after, err := s.Read("notes.md")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(after.Body, "# Notes v2") {
		t.Errorf("losing writer must not modify document")
	}
}

func TestUpdateRequiresChecksum(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Create("notes.md", docWithMeta); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Update("notes.md", docWithMeta, ""); err == nil {
		t.Fatal("expected error for empty checksum")
	}
}

func TestAppendNeedsNoChecksum(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Create("notes.md", docWithMeta); err != nil {
		t.Fatal(err)
	}
	if err := s.Append("notes.md", "entry one"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append("notes.md", "\nentry two"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	doc, err := s.Read("notes.md")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(doc.Body, "entry one") || !strings.Contains(doc.Body, "entry two") {
		t.Errorf("appends missing: %q", doc.Body)
	}
}

func TestAppendMissingIndex(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Append("absent.md", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// Claim exclusivity at the store level: many concurrent CAS writers holding
// the same snapshot checksum; exactly one wins.
func TestConcurrentCASExactlyOneWinner(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Create("notes.md", docWithMeta); err != nil {
		t.Fatal(err)
	}
	doc, err := s.Read("notes.md")
	if err != nil {
		t.Fatal(err)
	}

	const writers = 16
	var wg sync.WaitGroup
	wins := make(chan int, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			body := fmt.Sprintf("%s\nwriter %d", docWithMeta, n)
			if _, err := s.Update("notes.md", body, doc.Checksum); err == nil {
				wins <- n
			} else if !IsChecksumConflict(err) {
				t.Errorf("writer %d: unexpected error %v", n, err)
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []int
	for n := range wins {
		winners = append(winners, n)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one CAS winner, got %d", len(winners))
	}
}

// Append durability across real OS processes: N appends from N processes
// each land exactly once.
func TestConcurrentAppendAcrossProcesses(t *testing.T) {
	if os.Getenv("APPEND_CHILD") != "" {
		childAppend(os.Getenv("APPEND_CHILD"), os.Getenv("APPEND_TAG"))
		os.Exit(0)
	}
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "global_indices")
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Create("log.md", docWithMeta); err != nil {
		t.Fatal(err)
	}

	const procs = 8
	var wg sync.WaitGroup
	for i := 0; i < procs; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			cmd := exec.Command(os.Args[0], "-test.run", "TestConcurrentAppendAcrossProcesses")
			cmd.Env = append(os.Environ(),
				"APPEND_CHILD="+dir,
				fmt.Sprintf("APPEND_TAG=proc-%d", n),
			)
			if out, err := cmd.CombinedOutput(); err != nil {
				t.Errorf("child %d: %v: %s", n, err, out)
			}
		}(i)
	}
	wg.Wait()

	doc, err := s.Read("log.md")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < procs; i++ {
		tag := fmt.Sprintf("proc-%d", i)
		if got := strings.Count(doc.Body, tag); got != 1 {
			t.Errorf("tag %s appears %d times, want 1", tag, got)
		}
	}
}

func childAppend(dir, tag string) {
	s, err := New(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := s.Append("log.md", tag); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
