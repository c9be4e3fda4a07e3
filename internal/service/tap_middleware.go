package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/webitel/im-pulse/internal/domain/registry"
)

// TapMiddleware implements [DECORATOR_PATTERN] to add observability
// to tap registration without touching the service.
type TapMiddleware struct {
	Next   Tapper
	Logger *slog.Logger
}

func NewTapMiddleware(next Tapper, logger *slog.Logger) Tapper {
	return &TapMiddleware{
		Next:   next,
		Logger: logger,
	}
}

func (m *TapMiddleware) Subscribe(ctx context.Context, pattern string, meta registry.ConnectMetadata) (registry.Connector, error) {
	start := time.Now()
	conn, err := m.Next.Subscribe(ctx, pattern, meta)
	if err != nil {
		m.Logger.Warn("TAP_SUBSCRIBE_FAILED",
			"err", err,
			"pattern", pattern,
			"transport", meta.Transport,
			"remote_ip", meta.RemoteIP,
		)
		return nil, err
	}

	m.Logger.Info("TAP_SUBSCRIBED",
		"conn_id", conn.GetID(),
		"pattern", pattern,
		"transport", meta.Transport,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return conn, nil
}

func (m *TapMiddleware) Unsubscribe(connID uuid.UUID) {
	m.Next.Unsubscribe(connID)
	m.Logger.Info("TAP_UNSUBSCRIBED", "conn_id", connID)
}
