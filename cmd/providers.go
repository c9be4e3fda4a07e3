package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/fx"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/webitel/im-pulse/config"
)

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// ProvideLogger builds the process logger and makes it the slog default.
// The level follows log.level in the config file while the process runs.
func ProvideLogger(lc fx.Lifecycle, cfg *config.Config) *slog.Logger {
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Log.Level))

	var out io.Writer = os.Stdout
	if cfg.Log.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		}
		out = rotated
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error { return rotated.Close() },
		})
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Log.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	if cfg.Log.Otel {
		handler = teeHandler{handler, otelslog.NewHandler(ServiceName)}
	}

	logger := slog.New(handler).With(
		"service", ServiceName,
		"namespace", ServiceNamespace,
		"version", version,
	)
	slog.SetDefault(logger)

	// [HOT_RELOAD] only the level is safe to change without a restart.
	cfg.Watch(func(next *config.Config) {
		lvl := parseLevel(next.Log.Level)
		if lvl != level.Level() {
			level.Set(lvl)
			logger.Info("LOG_LEVEL_CHANGED", "level", lvl.String())
		}
	})
	return logger
}

func ProvideWatermillLogger(logger *slog.Logger) watermill.LoggerAdapter {
	return watermill.NewSlogLogger(logger.With("component", "watermill"))
}

// ProvideTracerProvider returns a sampling SDK provider when tracing is enabled
// and a no-op one otherwise.
func ProvideTracerProvider(lc fx.Lifecycle, cfg *config.Config) trace.TracerProvider {
	if !cfg.Tracing.Enabled {
		return noop.NewTracerProvider()
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", ServiceName),
		attribute.String("service.namespace", ServiceNamespace),
		attribute.String("service.version", version),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Tracing.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	lc.Append(fx.Hook{
		OnStop: tp.Shutdown,
	})
	return tp
}

// teeHandler writes every record to both handlers.
type teeHandler [2]slog.Handler

func (t teeHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return t[0].Enabled(ctx, l) || t[1].Enabled(ctx, l)
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range t {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return teeHandler{t[0].WithAttrs(attrs), t[1].WithAttrs(attrs)}
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	return teeHandler{t[0].WithGroup(name), t[1].WithGroup(name)}
}
