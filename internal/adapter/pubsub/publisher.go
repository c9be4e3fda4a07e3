package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/webitel/im-pulse/internal/domain/bus"
)

// Interface guard
var _ message.Publisher = (*Bridge)(nil)

// Bridge is a watermill Publisher that feeds the bus, so any watermill
// producer (router handlers, forwarders, tests) can publish onto it.
type Bridge struct {
	bus    bus.Publisher
	closed atomic.Bool
}

func NewBridge(b bus.Publisher) *Bridge {
	return &Bridge{bus: b}
}

// Publish decodes every message and publishes it on topic. The context of
// each message bounds a blocking overflow policy.
func (p *Bridge) Publish(topic string, msgs ...*message.Message) error {
	if p.closed.Load() {
		return fmt.Errorf("bus bridge: publisher closed")
	}

	var errList []error
	for _, m := range msgs {
		msg, err := Unmarshal(topic, m)
		if err != nil {
			errList = append(errList, err)
			continue
		}
		ctx := m.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		if _, err := p.bus.PublishMessage(ctx, msg); err != nil {
			errList = append(errList, fmt.Errorf("bus bridge: publish %s to %s: %w", m.UUID, msg.Topic, err))
		}
	}
	return errors.Join(errList...)
}

func (p *Bridge) Close() error {
	p.closed.Store(true)
	return nil
}
