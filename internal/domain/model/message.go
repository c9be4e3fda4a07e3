package model

import "time"

// Metadata is assigned by the bus when a message is accepted.
type Metadata struct {
	ID        string    `json:"id"`
	Priority  Priority  `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
}

// [MESSAGE] UNIT OF DELIVERY ON THE BUS
// Topic is a dot-separated routing key such as "chat.message".
type Message struct {
	Topic    string   `json:"topic"`
	Payload  Payload  `json:"payload"`
	Metadata Metadata `json:"metadata"`
}

// Clone returns a deep copy so the enqueued message cannot be mutated by its publisher.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	return &Message{
		Topic:    m.Topic,
		Payload:  m.Payload.Clone(),
		Metadata: m.Metadata,
	}
}

func (m *Message) GetID() string         { return m.Metadata.ID }
func (m *Message) GetPriority() Priority { return m.Metadata.Priority }
