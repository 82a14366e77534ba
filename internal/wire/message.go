// ABOUTME: Canonical message model shared by the session, polling, and socket layers.
// ABOUTME: All server wire shapes are normalized into Message before business logic sees them.

package wire

import "time"

// Status tracks the delivery state of a locally-known message.
// Remote messages are Delivered on arrival; local sends start Pending.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusError     Status = "error"
)

// Message is the one canonical message type used inside the client.
// Exactly one direction flag applies: FromAgent is false for user-authored
// messages.
type Message struct {
	ID        string
	Content   string
	AuthorID  string
	FromAgent bool
	CreatedAt time.Time
	Status    Status

	// Optional annotations surfaced by the agent service.
	Thought string
	Actions []string
}

// IsThinking reports whether this is the local "agent is thinking"
// placeholder rather than a real message.
func (m *Message) IsThinking() bool {
	return m.ID == ThinkingMessageID
}

// ThinkingMessageID is the reserved identifier for the single local
// placeholder shown between a user send and the first agent reply.
const ThinkingMessageID = "local-thinking"
