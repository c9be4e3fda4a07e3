package cmd

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"

	"github.com/webitel/im-pulse/config"
)

func TestAppGraph(t *testing.T) {
	for _, amqpEnabled := range []bool{false, true} {
		cfg, err := config.LoadConfig("")
		require.NoError(t, err)
		cfg.AMQP.Enabled = amqpEnabled

		assert.NoError(t, fx.ValidateApp(options(cfg)...), "amqp enabled: %v", amqpEnabled)
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel(" WARN "))
	assert.Equal(t, slog.LevelInfo, parseLevel("loud"))
}

func TestRunBench(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	res, err := RunBench(context.Background(), BenchOptions{
		Messages:   5000,
		Publishers: 8,
		Workers:    4,
		QueueSize:  10000,
		Timeout:    10 * time.Second,
	}, logger)
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), res.Delivered)
	assert.Zero(t, res.Failed)
	assert.Zero(t, res.Rejected)
}
