package service

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/webitel/im-pulse/config"
	"github.com/webitel/im-pulse/internal/domain/bus"
	"github.com/webitel/im-pulse/internal/domain/registry"
	"github.com/webitel/im-pulse/internal/domain/taskqueue"
	"github.com/webitel/im-pulse/internal/telemetry"
)

var Module = fx.Module(
	"service",

	fx.Provide(
		NewMetrics,
		// The recorder depends on storage only, so the bus can take its observer.
		func(s *telemetry.Storage, m *Metrics) *LatencyRecorder {
			return NewLatencyRecorder(s, m)
		},
		func(r *LatencyRecorder) bus.DispatchObserver { return r.Observer() },

		// [DECORATION_LAYER] Logging wrapper around the tap service
		func(hub registry.Hubber, cfg *config.Config, logger *slog.Logger) Tapper {
			return NewTapMiddleware(NewTapService(hub, cfg.HTTP.TapBuffer), logger)
		},

		func(b *bus.Bus, q *taskqueue.Queue, s *telemetry.Storage, cfg *config.Config, logger *slog.Logger) *Sampler {
			return NewSampler(b, q, s, cfg.Sampler.Schedule, logger)
		},
	),

	fx.Invoke(func(m *Metrics, b *bus.Bus, q *taskqueue.Queue, s *telemetry.Storage, hub *registry.Hub) {
		m.Registry.MustRegister(NewStatsCollector(b, q, s, hub))
	}),

	fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, s *Sampler) {
		if !cfg.Sampler.Enabled {
			return
		}
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				return s.Start()
			},
			OnStop: func(context.Context) error {
				s.Stop()
				return nil
			},
		})
	}),
)
