package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.uber.org/fx"

	"github.com/webitel/im-pulse/config"
	"github.com/webitel/im-pulse/internal/adapter/pubsub"
	"github.com/webitel/im-pulse/internal/domain/bus"
)

const (
	HandlerIngest = "ON_PULSE_INGEST"
	poisonSuffix  = ".poison"
)

type MessageHandler struct {
	bus        bus.Publisher
	logger     *slog.Logger
	dispatcher pubsub.EventDispatcher
	cfg        config.AMQPConfig
}

func NewMessageHandler(b bus.Publisher, logger *slog.Logger, dispatcher pubsub.EventDispatcher, cfg *config.Config) *MessageHandler {
	return &MessageHandler{bus: b, logger: logger, dispatcher: dispatcher, cfg: cfg.AMQP}
}

func NewWatermillRouter(logger watermill.LoggerAdapter) (*message.Router, error) {
	return message.NewRouter(message.RouterConfig{CloseTimeout: 15 * time.Second}, logger)
}

// [REGISTRATION_PIPELINE]
func (h *MessageHandler) RegisterHandlers(router *message.Router, subProvider *pubsub.SubscriberProvider) error {
	poison, err := middleware.PoisonQueue(h.dispatcher.Publisher(), h.cfg.Queue+poisonSuffix)
	if err != nil {
		return fmt.Errorf("POISON_SETUP_FAILED: %w", err)
	}

	configs := []struct {
		name    string
		queue   string
		binding string
		handler message.NoPublishHandlerFunc
	}{
		{HandlerIngest, h.cfg.Queue, h.cfg.IngestBinding, Bind(h, h.OnIngestV1)},
	}

	for _, c := range configs {
		sub, err := subProvider.Build(c.queue)
		if err != nil {
			return err
		}

		router.AddConsumerHandler(c.name, c.binding, sub, c.handler).AddMiddleware(
			TraceIDMiddleware,
			LoggingMiddleware(h.logger),
			poison,
			NewRetryMiddleware(h.logger).Middleware,
			middleware.NewThrottle(1000, time.Second).Middleware,
			middleware.Timeout(time.Second*30),
		)
	}

	h.logger.Info("AMQP_PIPELINE_READY", "queue", h.cfg.Queue, "binding", h.cfg.IngestBinding)
	return nil
}

// RunRouter starts the router with the fx lifecycle and waits until it runs.
func RunRouter(lc fx.Lifecycle, router *message.Router, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			go func() {
				if err := router.Run(ctx); err != nil {
					logger.Error("AMQP_ROUTER_STOPPED", "err", err)
				}
			}()
			select {
			case <-router.Running():
				return nil
			case <-startCtx.Done():
				return startCtx.Err()
			}
		},
		OnStop: func(context.Context) error {
			cancel()
			return router.Close()
		},
	})
}
