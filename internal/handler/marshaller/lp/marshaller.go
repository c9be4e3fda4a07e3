package lpmarshaller

import (
	"encoding/json"

	"github.com/webitel/im-pulse/internal/domain/model"
)

// LPEvent represents a single bus message structured for long-polling consumers.
type LPEvent struct {
	Topic      string        `json:"topic"`
	ID         string        `json:"id"`
	Priority   string        `json:"priority"`
	OccurredAt int64         `json:"occurred_at"`
	Payload    model.Payload `json:"payload"`
}

// Response defines the top-level JSON object to support event batching.
type Response struct {
	Events []LPEvent `json:"events"`
}

// MarshallMessages converts a batch of bus messages into a single JSON body.
func MarshallMessages(msgs []*model.Message) ([]byte, error) {
	res := Response{
		Events: make([]LPEvent, 0, len(msgs)),
	}
	for _, m := range msgs {
		res.Events = append(res.Events, LPEvent{
			Topic:      m.Topic,
			ID:         m.GetID(),
			Priority:   m.GetPriority().String(),
			OccurredAt: m.Metadata.Timestamp.UnixMilli(),
			Payload:    m.Payload,
		})
	}
	return json.Marshal(res)
}
