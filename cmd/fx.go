package cmd

import (
	"log/slog"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/webitel/im-pulse/config"
	httpsrv "github.com/webitel/im-pulse/infra/server/http"
	"github.com/webitel/im-pulse/internal/domain/bus"
	"github.com/webitel/im-pulse/internal/domain/registry"
	"github.com/webitel/im-pulse/internal/domain/taskqueue"
	amqpdi "github.com/webitel/im-pulse/internal/handler/amqp"
	"github.com/webitel/im-pulse/internal/handler/api"
	"github.com/webitel/im-pulse/internal/handler/lp"
	"github.com/webitel/im-pulse/internal/handler/ws"
	"github.com/webitel/im-pulse/internal/service"
	"github.com/webitel/im-pulse/internal/telemetry"
)

func options(cfg *config.Config) []fx.Option {
	opts := []fx.Option{
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			ProvideWatermillLogger,
			ProvideTracerProvider,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
		bus.Module,
		taskqueue.Module,
		telemetry.Module,
		registry.Module,
		service.Module,
		api.Module,
		lp.Module,
		ws.Module,
		httpsrv.Module,
	}
	if cfg.AMQP.Enabled {
		opts = append(opts, amqpdi.Module)
	}
	return opts
}

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(options(cfg)...)
}
