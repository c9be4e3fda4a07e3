package wsmarshaller

import (
	"encoding/json"
	"time"

	"github.com/webitel/im-pulse/internal/domain/model"
)

const (
	EventMessage   = "message"
	EventConnected = "connected"
)

// WSEvent is a generic wrapper for WebSocket frames to provide consistent structure.
type WSEvent struct {
	Event   string `json:"event"`
	ID      string `json:"id"`
	SentAt  int64  `json:"sent_at"`
	Payload any    `json:"payload"`
}

// WSMessage is the JSON view of a bus message.
type WSMessage struct {
	Topic      string        `json:"topic"`
	Priority   string        `json:"priority"`
	OccurredAt int64         `json:"occurred_at"`
	Payload    model.Payload `json:"payload,omitempty"`
}

// ConnectedPayload is sent once right after the upgrade.
type ConnectedPayload struct {
	ConnID  string `json:"conn_id"`
	Pattern string `json:"pattern"`
}

// MarshallMessage prepares a bus message for WebSocket transmission.
func MarshallMessage(m *model.Message) ([]byte, error) {
	return json.Marshal(&WSEvent{
		Event:  EventMessage,
		ID:     m.GetID(),
		SentAt: time.Now().UnixMilli(),
		Payload: &WSMessage{
			Topic:      m.Topic,
			Priority:   m.GetPriority().String(),
			OccurredAt: m.Metadata.Timestamp.UnixMilli(),
			Payload:    m.Payload,
		},
	})
}

// MarshallConnected builds the greeting frame.
func MarshallConnected(connID, pattern string) ([]byte, error) {
	return json.Marshal(&WSEvent{
		Event:   EventConnected,
		ID:      connID,
		SentAt:  time.Now().UnixMilli(),
		Payload: &ConnectedPayload{ConnID: connID, Pattern: pattern},
	})
}
