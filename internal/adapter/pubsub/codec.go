package pubsub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/webitel/im-pulse/internal/domain/model"
)

// Metadata keys carried next to the JSON payload.
const (
	MetaTopic     = "topic"
	MetaPriority  = "priority"
	MetaMessageID = "message_id"
	MetaTimestamp = "occurred_at"
	MetaTraceID   = "trace_id"
)

// Marshal encodes a bus message as a watermill message. The payload is the
// JSON form of model.Payload; routing data travels in metadata.
func Marshal(msg *model.Message) (*message.Message, error) {
	if msg == nil {
		return nil, fmt.Errorf("pubsub: cannot marshal nil message")
	}
	body, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("pubsub: marshal payload: %w", err)
	}

	out := message.NewMessage(watermill.NewUUID(), body)
	out.Metadata.Set(MetaTopic, msg.Topic)
	out.Metadata.Set(MetaPriority, msg.Metadata.Priority.String())
	if msg.Metadata.ID != "" {
		out.Metadata.Set(MetaMessageID, msg.Metadata.ID)
	}
	if !msg.Metadata.Timestamp.IsZero() {
		out.Metadata.Set(MetaTimestamp, msg.Metadata.Timestamp.Format(time.RFC3339Nano))
	}
	return out, nil
}

// Unmarshal decodes a watermill message. topic is used when the metadata
// carries none. An empty body is an empty payload.
func Unmarshal(topic string, in *message.Message) (*model.Message, error) {
	if t := in.Metadata.Get(MetaTopic); t != "" {
		topic = t
	}
	prio, err := model.ParsePriority(in.Metadata.Get(MetaPriority))
	if err != nil {
		return nil, fmt.Errorf("pubsub: message %s: %w", in.UUID, err)
	}

	var payload model.Payload
	if len(in.Payload) > 0 {
		if err := json.Unmarshal(in.Payload, &payload); err != nil {
			return nil, fmt.Errorf("pubsub: message %s: decode payload: %w", in.UUID, err)
		}
	}

	out := &model.Message{
		Topic:   topic,
		Payload: payload,
		Metadata: model.Metadata{
			ID:       in.Metadata.Get(MetaMessageID),
			Priority: prio,
		},
	}
	if ts := in.Metadata.Get(MetaTimestamp); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			out.Metadata.Timestamp = t
		}
	}
	return out, nil
}
