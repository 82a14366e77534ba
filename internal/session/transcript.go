// ABOUTME: Local transcript state: ordered message list, dedupe merge, thinking placeholder.
// ABOUTME: All mutation goes through here under one mutex.

package session

import (
	"sync"
	"time"

	"github.com/purl-chat/purl-client/internal/dedupe"
	"github.com/purl-chat/purl-client/internal/wire"
)

// transcript holds the session's local message list. Messages are appended
// in the order their send/receive events resolve; dedupe by ID makes
// out-of-order network resolution harmless.
type transcript struct {
	mu       sync.Mutex
	id       string
	messages []wire.Message
	seen     *dedupe.Cache
	thinking bool
}

func (t *transcript) setSession(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.id = id
}

func (t *transcript) sessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// appendLocal adds a user-authored message and raises the thinking
// placeholder. The ID is marked seen immediately so a transport echo of the
// same message is suppressed later.
func (t *transcript) appendLocal(m *wire.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seen.Mark(m.ID)
	t.messages = append(t.messages, *m)
	t.thinking = true
}

// merge admits agent-authored messages whose IDs have not been seen, in the
// given order. The first admission lowers the thinking placeholder.
func (t *transcript) merge(msgs []*wire.Message) []*wire.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	var added []*wire.Message
	for _, m := range msgs {
		if m == nil || m.ID == "" || !m.FromAgent {
			continue
		}
		if t.seen.SeenOrMark(m.ID) {
			continue
		}
		m.Status = wire.StatusDelivered
		t.messages = append(t.messages, *m)
		t.thinking = false
		added = append(added, m)
	}
	return added
}

func (t *transcript) setStatus(id string, status wire.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.messages {
		if t.messages[i].ID == id {
			t.messages[i].Status = status
			return
		}
	}
}

func (t *transcript) get(id string) *wire.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.messages {
		if t.messages[i].ID == id {
			m := t.messages[i]
			return &m
		}
	}
	return nil
}

// snapshot copies the transcript; the thinking placeholder is materialized
// as a trailing synthetic message while active.
func (t *transcript) snapshot() []wire.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]wire.Message, len(t.messages), len(t.messages)+1)
	copy(out, t.messages)
	if t.thinking {
		out = append(out, wire.Message{
			ID:        wire.ThinkingMessageID,
			Content:   "…",
			FromAgent: true,
			CreatedAt: time.Now(),
			Status:    wire.StatusPending,
		})
	}
	return out
}

func (t *transcript) thinkingActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.thinking
}

// reset clears all session state. A fresh seen-cache drops the dedupe
// history with the transcript.
func (t *transcript) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.id = ""
	t.messages = nil
	t.thinking = false
	t.seen = dedupe.New(seenTTL, seenMaxSize)
}
