package taskqueue

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/webitel/im-pulse/config"
)

var Module = fx.Module("taskqueue",
	fx.Provide(
		func(cfg *config.Config, logger *slog.Logger) (*Queue, error) {
			return New(
				WithPollInterval(cfg.Tasks.PollInterval),
				WithMaxSize(cfg.Tasks.MaxSize),
				WithDeliveredHistory(cfg.Tasks.DeliveredHistory),
				WithLogger(logger),
			)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, q *Queue) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				return q.Start()
			},
			OnStop: func(ctx context.Context) error {
				return q.Stop(ctx)
			},
		})
	}),
)
