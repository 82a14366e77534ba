// ABOUTME: Wire envelope for the realtime transport.
// ABOUTME: Numeric frame types for room-join, send-message, and broadcast receipt.

package socket

import "encoding/json"

// FrameType is the numeric message-type enum used by the agent service's
// realtime channel.
type FrameType int

const (
	FrameRoomJoin         FrameType = 1
	FrameSendMessage      FrameType = 2
	FrameMessageBroadcast FrameType = 3
)

// Envelope wraps every frame on the realtime channel. The payload shape
// depends on Type.
type Envelope struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// joinPayload is sent once after connecting to subscribe to a room.
type joinPayload struct {
	RoomID   string `json:"roomId"`
	EntityID string `json:"entityId"`
}

// sendPayload carries an outgoing user message. MessageID is client
// generated and used to suppress the transport's echo of our own message.
type sendPayload struct {
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName,omitempty"`
	Message    string `json:"message"`
	RoomID     string `json:"roomId"`
	MessageID  string `json:"messageId"`
	Source     string `json:"source"`
}

func marshalEnvelope(t FrameType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}
