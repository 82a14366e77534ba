// ABOUTME: Normalization of duck-typed server payloads into the canonical Message type.
// ABOUTME: The agent service emits several alternate field names for the same concept.

package wire

import (
	"encoding/json"
	"strings"
	"time"
)

// RawMessage mirrors the union of field names the agent service has been
// observed to use for a message payload. REST responses and socket broadcasts
// disagree on naming (senderId vs authorId, text vs content), so every
// accepted alias is listed here and resolved in Normalize.
type RawMessage struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId"`

	Content string `json:"content"`
	Text    string `json:"text"`
	Message string `json:"message"`

	SenderID   string `json:"senderId"`
	AuthorID   string `json:"authorId"`
	UserID     string `json:"userId"`
	SenderName string `json:"senderName"`

	CreatedAt int64  `json:"createdAt"` // epoch millis
	Timestamp string `json:"timestamp"` // RFC3339, used by socket broadcasts

	RoomID    string `json:"roomId"`
	ChannelID string `json:"channelId"`

	Metadata struct {
		Thought string   `json:"thought"`
		Actions []string `json:"actions"`
	} `json:"metadata"`
}

// Normalize maps a raw wire payload into the canonical Message. The agentID
// is the identity of the agent for this session; authorship is decided by
// sender id equality or a sender-name match against agentName.
func Normalize(raw *RawMessage, agentID, agentName string) *Message {
	m := &Message{
		ID:        firstNonEmpty(raw.ID, raw.MessageID),
		Content:   firstNonEmpty(raw.Content, raw.Text, raw.Message),
		AuthorID:  firstNonEmpty(raw.SenderID, raw.AuthorID, raw.UserID),
		CreatedAt: resolveTimestamp(raw),
		Status:    StatusDelivered,
		Thought:   raw.Metadata.Thought,
		Actions:   raw.Metadata.Actions,
	}
	m.FromAgent = IsAgentAuthor(m.AuthorID, raw.SenderName, agentID, agentName)
	return m
}

// ParseAndNormalize decodes a JSON payload and normalizes it in one step.
func ParseAndNormalize(data []byte, agentID, agentName string) (*Message, error) {
	var raw RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return Normalize(&raw, agentID, agentName), nil
}

// IsAgentAuthor reports whether a sender identity belongs to the agent.
// Sender id equality wins; the name marker is the fallback for transports
// that omit ids.
func IsAgentAuthor(authorID, senderName, agentID, agentName string) bool {
	if agentID != "" && authorID == agentID {
		return true
	}
	if agentName != "" && senderName != "" {
		return strings.EqualFold(senderName, agentName)
	}
	return false
}

// Room returns the room/channel the payload is addressed to, resolving the
// two field names the service uses interchangeably.
func (r *RawMessage) Room() string {
	return firstNonEmpty(r.RoomID, r.ChannelID)
}

func resolveTimestamp(raw *RawMessage) time.Time {
	if raw.CreatedAt > 0 {
		return time.UnixMilli(raw.CreatedAt)
	}
	if raw.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339, raw.Timestamp); err == nil {
			return t
		}
	}
	return time.Now()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
