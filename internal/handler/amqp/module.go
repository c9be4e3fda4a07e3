package amqp

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/fx"

	"github.com/webitel/im-pulse/config"
	pubsubadapter "github.com/webitel/im-pulse/internal/adapter/pubsub"
	"github.com/webitel/im-pulse/internal/domain/bus"
)

var Module = fx.Module("amqp-handler",
	fx.Provide(
		pubsubadapter.NewPublisherProvider,
		pubsubadapter.NewSubscriberProvider,

		func(pp *pubsubadapter.PublisherProvider) (message.Publisher, error) {
			return pp.Build()
		},
		func(pub message.Publisher) pubsubadapter.EventDispatcher {
			return pubsubadapter.NewEventDispatcher(pub, nil)
		},

		NewMessageHandler,
		NewWatermillRouter,
	),

	fx.Invoke(func(h *MessageHandler, router *message.Router, sp *pubsubadapter.SubscriberProvider) error {
		return h.RegisterHandlers(router, sp)
	}),
	fx.Invoke(RunRouter),

	// [EXPORT] Republish matching bus topics to the exchange.
	fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, sub bus.Subscriber, d pubsubadapter.EventDispatcher, logger *slog.Logger) {
		if cfg.AMQP.ExportPattern == "" {
			return
		}
		fwd := pubsubadapter.NewForwarder(sub, d, cfg.AMQP.ExportPattern, logger)
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error { return fwd.Start() },
			OnStop:  func(context.Context) error { return fwd.Stop() },
		})
	}),
	fx.Invoke(func(lc fx.Lifecycle, pub message.Publisher) {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error { return pub.Close() },
		})
	}),
)
