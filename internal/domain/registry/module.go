package registry

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/webitel/im-pulse/config"
	"github.com/webitel/im-pulse/internal/domain/bus"
)

var Module = fx.Module("registry",
	fx.Provide(
		// [CLEAN_INJECTION] Configure Hub using Functional Options
		func(sub bus.Subscriber, cfg *config.Config, logger *slog.Logger) *Hub {
			return NewHub(sub,
				WithEvictionInterval(cfg.Tap.EvictionInterval),
				WithIdleTimeout(cfg.Tap.IdleTimeout),
				WithMailboxSize(cfg.Tap.MailboxSize),
				WithSendTimeout(cfg.Tap.SendTimeout),
				WithLogger(logger),
			)
		},
		fx.Annotate(
			func(h *Hub) Hubber { return h },
			fx.As(new(Hubber)),
		),
	),
	fx.Invoke(func(lc fx.Lifecycle, h Hubber) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				h.Shutdown() // [GRACEFUL_SHUTDOWN] Stop all cell goroutines
				return nil
			},
		})
	}),
)
