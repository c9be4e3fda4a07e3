package httpsrv

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

type contextKey string

const (
	// LoggerContextKey is the key used to store/retrieve the request logger from context
	LoggerContextKey contextKey = "request_logger"
)

// NewRequestLogger creates a middleware that scopes a logger to the request
// and logs the outcome once the handler returns.
func NewRequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// [ENRICHMENT] Inject the request scoped logger for downstream handlers
			log := base.With(
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
			)
			ctx := context.WithValue(r.Context(), LoggerContextKey, log)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))

			level := slog.LevelDebug
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			log.Log(ctx, level, "HTTP_REQUEST",
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
			)
		})
	}
}

// LoggerFrom is a helper to extract the request logger from context, falling back to fallback.
func LoggerFrom(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if log, ok := ctx.Value(LoggerContextKey).(*slog.Logger); ok {
		return log
	}
	return fallback
}
