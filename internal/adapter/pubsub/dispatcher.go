package pubsub

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/webitel/im-pulse/internal/domain/bus"
	"github.com/webitel/im-pulse/internal/domain/model"
)

// EventDispatcher defines the high-level contract for outgoing messages.
// This allows the handler to stay agnostic of the transport implementation.
type EventDispatcher interface {
	Publish(ctx context.Context, msg *model.Message) error
	Publisher() message.Publisher
}

// TopicMapper turns a bus topic into the transport topic.
type TopicMapper func(topic string) string

type eventDispatcher struct {
	publisher message.Publisher
	topic     TopicMapper
}

// NewEventDispatcher returns the interface instead of the pointer to the struct.
// A nil mapper keeps bus topics unchanged.
func NewEventDispatcher(pub message.Publisher, topic TopicMapper) EventDispatcher {
	if topic == nil {
		topic = func(t string) string { return t }
	}
	return &eventDispatcher{
		publisher: pub,
		topic:     topic,
	}
}

func (d *eventDispatcher) Publish(ctx context.Context, msg *model.Message) error {
	out, err := Marshal(msg)
	if err != nil {
		return fmt.Errorf("event dispatcher: %w", err)
	}
	out.SetContext(ctx)

	topic := d.topic(msg.Topic)
	if err := d.publisher.Publish(topic, out); err != nil {
		return fmt.Errorf("event dispatcher: failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

func (d *eventDispatcher) Publisher() message.Publisher {
	return d.publisher
}

// Forwarder republishes every bus message matching a pattern through a
// dispatcher. Failures are returned to the bus, which counts them and keeps
// the message in its dead-letter queue.
type Forwarder struct {
	sub        bus.Subscriber
	dispatcher EventDispatcher
	logger     *slog.Logger

	pattern string
	id      bus.SubscriptionID
}

func NewForwarder(sub bus.Subscriber, d EventDispatcher, pattern string, logger *slog.Logger) *Forwarder {
	return &Forwarder{sub: sub, dispatcher: d, pattern: pattern, logger: logger}
}

func (f *Forwarder) Start() error {
	id, err := f.sub.Subscribe(f.pattern, f.dispatcher.Publish)
	if err != nil {
		return fmt.Errorf("forwarder %q: %w", f.pattern, err)
	}
	f.id = id
	f.logger.Info("FORWARDER_STARTED", "pattern", f.pattern, "subscription", id)
	return nil
}

func (f *Forwarder) Stop() error {
	if f.id == "" {
		return nil
	}
	err := f.sub.Unsubscribe(f.id)
	f.id = ""
	return err
}
