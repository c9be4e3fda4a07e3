package bus

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"

	"github.com/webitel/im-pulse/config"
)

type Params struct {
	fx.In

	Config         *config.Config
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	Observer       DispatchObserver `optional:"true"`
}

// NewFromConfig builds the bus described by the bus section of the config.
func NewFromConfig(p Params) (*Bus, error) {
	policy, err := ParseOverflowPolicy(p.Config.Bus.OverflowPolicy)
	if err != nil {
		return nil, err
	}
	return New(
		WithWorkers(p.Config.Bus.Workers),
		WithMaxQueueSize(p.Config.Bus.MaxQueueSize),
		WithOverflowPolicy(policy),
		WithBlockTimeout(p.Config.Bus.BlockTimeout),
		WithDrainOnShutdown(p.Config.Bus.DrainOnShutdown),
		WithDeadLetterSize(p.Config.Bus.DeadLetterSize),
		WithLogger(p.Logger),
		WithTracer(p.TracerProvider.Tracer(tracerName)),
		WithDispatchObserver(p.Observer),
	)
}

var Module = fx.Module("bus",
	fx.Provide(
		NewFromConfig,
		fx.Annotate(
			func(b *Bus) Publisher { return b },
			fx.As(new(Publisher)),
		),
		fx.Annotate(
			func(b *Bus) Subscriber { return b },
			fx.As(new(Subscriber)),
		),
	),
	fx.Invoke(func(lc fx.Lifecycle, b *Bus) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				return b.Initialize()
			},
			OnStop: func(ctx context.Context) error {
				// [GRACEFUL_SHUTDOWN] Drain or discard pending messages and join workers.
				return b.Shutdown(ctx)
			},
		})
	}),
)
