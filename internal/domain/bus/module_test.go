package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/webitel/im-pulse/config"
)

func TestModuleBuildsBusFromConfig(t *testing.T) {
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.Bus.Workers = 3
	cfg.Bus.MaxQueueSize = 64

	var b *Bus
	var pub Publisher
	app := fxtest.New(t,
		fx.Supply(cfg, testLogger()),
		fx.Provide(func() trace.TracerProvider { return noop.NewTracerProvider() }),
		Module,
		fx.Populate(&b, &pub),
	)
	app.RequireStart()
	defer app.RequireStop()

	assert.Equal(t, 3, b.config.workers)
	assert.Equal(t, 64, b.config.maxQueueSize)
	assert.Same(t, b, pub)
}
