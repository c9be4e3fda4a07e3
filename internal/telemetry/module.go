package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/webitel/im-pulse/config"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// NewSeriesStore builds the store selected by telemetry.backend.
func NewSeriesStore(cfg *config.Config, logger *slog.Logger) (SeriesStore, error) {
	t := cfg.Telemetry
	switch strings.ToLower(t.Backend) {
	case "", BackendMemory:
		return NewMemoryStore(t.Retention, t.MaxPoints), nil
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		logger.Info("SERIES_STORE_REDIS", "addr", cfg.Redis.Address, "prefix", cfg.Redis.KeyPrefix)
		return NewRedisStore(client, cfg.Redis.KeyPrefix, t.Retention, t.MaxPoints), nil
	}
	return nil, fmt.Errorf("telemetry: unknown backend %q", t.Backend)
}

// NewFromConfig builds Storage from the telemetry section of the config.
func NewFromConfig(cfg *config.Config, store SeriesStore, logger *slog.Logger) (*Storage, error) {
	t := cfg.Telemetry
	return NewStorage(StorageConfig{
		BufferCapacity:   t.BufferCapacity,
		OverwriteOld:     t.OverwriteOld,
		BatchSize:        t.BatchSize,
		MaxMetrics:       t.MaxMetrics,
		RejectOverLimit:  t.RejectOverLimit,
		FlushSchedule:    t.FlushSchedule,
		FlushParallelism: t.FlushParallelism,
	}, store, NewAggregator(), logger)
}

var Module = fx.Module("telemetry",
	fx.Provide(
		NewSeriesStore,
		NewFromConfig,
	),
	fx.Invoke(func(lc fx.Lifecycle, s *Storage, store SeriesStore, logger *slog.Logger) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				return s.Start()
			},
			OnStop: func(ctx context.Context) error {
				err := s.Stop(ctx)
				if cerr := store.Close(); cerr != nil {
					logger.Warn("SERIES_STORE_CLOSE_FAILED", "err", cerr)
				}
				return err
			},
		})
	}),
)
