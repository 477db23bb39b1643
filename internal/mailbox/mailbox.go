// Package mailbox provides per-agent append-only message queues built on
// the index store. Send is a lock-serialized append, so FIFO holds within a
// single mailbox; nothing is ordered across mailboxes. Reads are
// non-destructive: consumers dedupe by message id.
package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zczc/nano-agent-team/internal/index"
	"github.com/zczc/nano-agent-team/pkg/models"
)

// Box reads and writes mailboxes in an index store.
type Box struct {
	Store *index.Store
	Now   func() time.Time
}

// New returns a Box over store.
func New(store *index.Store) *Box {
	return &Box{Store: store, Now: time.Now}
}

func indexName(recipient string) string {
	return "mailbox_" + recipient + ".md"
}

func mailboxDocument(recipient string) string {
	return fmt.Sprintf(`---
name: "Mailbox %s"
description: "Direct messages addressed to %s."
usage_policy: "Append one JSON message per line; never rewrite. Readers dedupe by id."
---
`, recipient, recipient)
}

// Send appends a message to the recipient's mailbox, creating the mailbox
// index on first use. Returns the assigned message id.
func (b *Box) Send(sender, recipient, content string) (string, error) {
	if recipient == "" {
		return "", errors.New("recipient is required")
	}
	msg := models.Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		SentAt:    b.Now().UTC(),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}

	name := indexName(recipient)
	err = b.Store.Append(name, string(raw))
	if errors.Is(err, index.ErrNotFound) {
		if cerr := b.Store.Create(name, mailboxDocument(recipient)); cerr != nil && !errors.Is(cerr, index.ErrAlreadyExists) {
			return "", cerr
		}
		err = b.Store.Append(name, string(raw))
	}
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

// Poll returns every message in the recipient's mailbox in append order.
// An absent mailbox is an empty one. Lines that do not parse are skipped;
// the store only guarantees appends, not that every writer was well-behaved.
func (b *Box) Poll(recipient string) ([]models.Message, error) {
	doc, err := b.Store.Read(indexName(recipient))
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var msgs []models.Message
	for _, line := range strings.Split(doc.Body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var m models.Message
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Seen tracks already-consumed message ids for one reader. The store keeps
// no per-reader offsets; this is the caller-side dedup the protocol expects.
type Seen map[string]struct{}

// Unseen filters msgs down to those not yet marked, marking them as it goes.
func (s Seen) Unseen(msgs []models.Message) []models.Message {
	var fresh []models.Message
	for _, m := range msgs {
		if _, ok := s[m.ID]; ok {
			continue
		}
		s[m.ID] = struct{}{}
		fresh = append(fresh, m)
	}
	return fresh
}
