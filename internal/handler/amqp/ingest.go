package amqp

import (
	"context"
	"strings"
	"time"

	"github.com/webitel/im-pulse/internal/domain/model"
	"github.com/webitel/im-pulse/internal/errs"
)

// IngestV1 is the JSON body accepted on the ingest binding.
type IngestV1 struct {
	ID       string         `json:"id,omitempty"`
	Priority string         `json:"priority,omitempty"`
	Payload  map[string]any `json:"payload"`
	// Topic overrides the routing key.
	Topic      string `json:"topic,omitempty"`
	OccurredAt int64  `json:"occurred_at,omitempty"` // unix millis
}

// [ON_INGEST]
// Converts an external event into a bus message.
func (h *MessageHandler) OnIngestV1(_ context.Context, topic string, raw *IngestV1) (*model.Message, error) {
	const op = "amqp.ingest"

	if t := strings.TrimSpace(raw.Topic); t != "" {
		topic = t
	}
	prio, err := model.ParsePriority(raw.Priority)
	if err != nil {
		return nil, errs.ErrInvalidMessage.Withf(op, "%v", err)
	}
	payload, err := model.PayloadFromMap(raw.Payload)
	if err != nil {
		return nil, errs.ErrInvalidMessage.Withf(op, "%v", err)
	}

	msg := &model.Message{
		Topic:   topic,
		Payload: payload,
		Metadata: model.Metadata{
			ID:       raw.ID,
			Priority: prio,
		},
	}
	if raw.OccurredAt > 0 {
		msg.Metadata.Timestamp = time.UnixMilli(raw.OccurredAt)
	}
	return msg, nil
}
