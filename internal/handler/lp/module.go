package lp

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/webitel/im-pulse/config"
	"github.com/webitel/im-pulse/internal/domain/taskqueue"
	"github.com/webitel/im-pulse/internal/handler/api"
	"github.com/webitel/im-pulse/internal/service"
)

var Module = fx.Module("lp",
	fx.Provide(
		fx.Annotate(
			func(tapper service.Tapper, q *taskqueue.Queue, cfg *config.Config, logger *slog.Logger) *LPHandler {
				return NewLPHandler(tapper, q, cfg.HTTP.LongPollTimeout, logger)
			},
			fx.As(new(api.Mounter)),
			fx.ResultTags(api.MounterGroup),
		),
	),
)
