package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/webitel/im-pulse/internal/adapter/pubsub"
	"github.com/webitel/im-pulse/internal/domain/model"
	"github.com/webitel/im-pulse/internal/errs"
)

// DomainHandler turns a decoded delivery into a bus message. A nil message
// acknowledges without publishing.
type DomainHandler[T any] func(ctx context.Context, topic string, payload *T) (*model.Message, error)

// [INFRASTRUCTURE_BRIDGE]
// Bind connects Watermill to the bus, handling panic recovery, decoding and
// backpressure.
func Bind[T any](h *MessageHandler, fn DomainHandler[T]) message.NoPublishHandlerFunc {
	return func(msg *message.Message) (err error) {
		// [PANIC_RECOVERY]
		// Safely handle runtime panics to keep the consumer alive.
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("PANIC_RECOVERED",
					"err", r,
					"stack", string(debug.Stack()),
					"msg_id", msg.UUID)
				err = nil
			}
		}()

		// [ROUTING]
		topic := resolveTopic(msg)
		if topic == "" {
			h.logger.Warn("ROUTING_FAILED: topic_missing", "msg_id", msg.UUID)
			return nil // ACK: Invalid routing is a terminal state.
		}

		// [DECODING]
		payload := new(T)
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, payload); err != nil {
				h.logger.Error("DECODE_FAILED", "err", err, "msg_id", msg.UUID)
				return nil // ACK: Poison Pill protection.
			}
		}

		out, err := fn(msg.Context(), topic, payload)
		if err != nil {
			if errs.IsKind(err, errs.KindInvalidArgument) {
				h.logger.Warn("INGEST_REJECTED", "err", err, "msg_id", msg.UUID, "topic", topic)
				return nil // ACK: retrying cannot fix the input.
			}
			return err
		}
		if out == nil {
			return nil
		}

		// [BUS_DISPATCH]
		// A full bus NACKs so the retry middleware backs off.
		if _, err := h.bus.PublishMessage(msg.Context(), out); err != nil {
			return fmt.Errorf("BUS_PUBLISH_FAILED: %w", err)
		}
		return nil
	}
}

// resolveTopic prefers the explicit topic header, then the routing key.
func resolveTopic(msg *message.Message) string {
	if t := msg.Metadata.Get(pubsub.MetaTopic); t != "" {
		return t
	}
	if rk := msg.Metadata.Get(pubsub.MetaRoutingKey); rk != "" {
		return rk
	}
	return msg.Metadata.Get("routing_key")
}
