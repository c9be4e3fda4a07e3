package api

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/webitel/im-pulse/internal/domain/bus"
	"github.com/webitel/im-pulse/internal/domain/registry"
	"github.com/webitel/im-pulse/internal/domain/taskqueue"
	"github.com/webitel/im-pulse/internal/service"
	"github.com/webitel/im-pulse/internal/telemetry"
)

var Module = fx.Module("api",
	fx.Provide(
		func(b *bus.Bus, q *taskqueue.Queue, s *telemetry.Storage, taps registry.Hubber, m *service.Metrics, logger *slog.Logger) *Handler {
			return NewHandler(b, q, s, taps, m, logger)
		},
		fx.Annotate(
			NewRouter,
			fx.ParamTags("", MounterGroup),
		),
	),
)
