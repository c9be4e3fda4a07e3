package pubsub

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/webitel/im-pulse/config"
)

// MetaRoutingKey carries the AMQP routing key of a consumed delivery.
const MetaRoutingKey = "x-routing-key"

// routingKeyMarshaler keeps the delivery routing key, which the default
// marshaler drops, so wildcard bindings still yield the concrete topic.
type routingKeyMarshaler struct {
	amqp.DefaultMarshaler
}

func (m routingKeyMarshaler) Unmarshal(d amqp091.Delivery) (*message.Message, error) {
	msg, err := m.DefaultMarshaler.Unmarshal(d)
	if err != nil {
		return nil, err
	}
	msg.Metadata.Set(MetaRoutingKey, d.RoutingKey)
	return msg, nil
}

// amqpConfig builds a durable topic-exchange config: the watermill topic is
// the routing key on publish and the binding key on subscribe.
func amqpConfig(url, exchange, queue string) amqp.Config {
	c := amqp.NewDurablePubSubConfig(url, amqp.GenerateQueueNameConstant(queue))
	c.Marshaler = routingKeyMarshaler{}
	c.Exchange.GenerateName = func(string) string { return exchange }
	c.Exchange.Type = "topic"
	c.QueueBind.GenerateRoutingKey = func(topic string) string { return topic }
	c.Publish.GenerateRoutingKey = func(topic string) string { return topic }
	c.Consume.Qos.PrefetchCount = 64
	return c
}

type PublisherProvider struct {
	cfg    config.AMQPConfig
	logger watermill.LoggerAdapter
}

func NewPublisherProvider(cfg *config.Config, logger watermill.LoggerAdapter) *PublisherProvider {
	return &PublisherProvider{cfg: cfg.AMQP, logger: logger}
}

// Build returns a publisher on the configured exchange.
func (pp *PublisherProvider) Build() (message.Publisher, error) {
	pub, err := amqp.NewPublisher(amqpConfig(pp.cfg.URL, pp.cfg.Exchange, ""), pp.logger)
	if err != nil {
		return nil, fmt.Errorf("amqp publisher %s: %w", pp.cfg.Exchange, err)
	}
	return pub, nil
}

type SubscriberProvider struct {
	cfg    config.AMQPConfig
	logger watermill.LoggerAdapter
}

func NewSubscriberProvider(cfg *config.Config, logger watermill.LoggerAdapter) *SubscriberProvider {
	return &SubscriberProvider{cfg: cfg.AMQP, logger: logger}
}

// Build returns a subscriber consuming queue, bound to the configured exchange.
func (sp *SubscriberProvider) Build(queue string) (message.Subscriber, error) {
	sub, err := amqp.NewSubscriber(amqpConfig(sp.cfg.URL, sp.cfg.Exchange, queue), sp.logger)
	if err != nil {
		return nil, fmt.Errorf("amqp subscriber %s: %w", queue, err)
	}
	return sub, nil
}
