package amqp

import (
	"context"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/google/uuid"

	"github.com/webitel/im-pulse/internal/adapter/pubsub"
	"github.com/webitel/im-pulse/internal/errs"
)

type traceIDKey struct{}

// TraceIDFrom returns the trace id stored by TraceIDMiddleware.
func TraceIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}

// [TRACE_ID_MIDDLEWARE]
// Ensures TraceID persistence through the call chain.
func TraceIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		traceID := msg.Metadata.Get(pubsub.MetaTraceID)
		if traceID == "" {
			traceID = uuid.NewString()
			msg.Metadata.Set(pubsub.MetaTraceID, traceID)
		}

		msg.SetContext(context.WithValue(msg.Context(), traceIDKey{}, traceID))
		return h(msg)
	}
}

// [LOGGING_MIDDLEWARE]
// One line per delivery: the resolved topic, latency and, on failure, the
// error kind the retry decision is made on.
func LoggingMiddleware(logger *slog.Logger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			start := time.Now()
			msgs, err := h(msg)

			attrs := []any{
				"msg_id", msg.UUID,
				"trace_id", msg.Metadata.Get(pubsub.MetaTraceID),
				"topic", resolveTopic(msg),
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if err != nil {
				logger.Warn("INGEST_FAILED", append(attrs, "kind", errs.KindOf(err), "err", err)...)
				return msgs, err
			}
			logger.Debug("INGEST_HANDLED", attrs...)
			return msgs, nil
		}
	}
}

// Retryable reports whether redelivering a failed ingest can succeed. A full
// or not yet started bus clears up on its own; rejected input never does.
func Retryable(err error) bool {
	switch errs.KindOf(err) {
	case errs.KindInvalidArgument, errs.KindNotFound, errs.KindAlreadyExists:
		return false
	}
	return true
}

// [RETRY_MIDDLEWARE]
// Must sit inside the poison queue middleware: whatever Retry gives up on,
// or refuses to retry, is what gets poisoned.
func NewRetryMiddleware(logger *slog.Logger) middleware.Retry {
	return middleware.Retry{
		MaxRetries:          3,
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         2 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.2,
		// Timeout sits inside Retry and cancels the context of every attempt.
		ResetContextOnRetry: true,
		ShouldRetry: func(p middleware.RetryParams) bool {
			if !Retryable(p.Err) {
				logger.Warn("INGEST_NOT_RETRIED", "kind", errs.KindOf(p.Err), "err", p.Err)
				return false
			}
			logger.Debug("INGEST_RETRY", "attempt", p.RetryNum+1, "delay_ms", p.Delay.Milliseconds(), "err", p.Err)
			return true
		},
	}
}
