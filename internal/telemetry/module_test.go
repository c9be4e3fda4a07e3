package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webitel/im-pulse/config"
)

func TestNewFromConfig(t *testing.T) {
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.Telemetry.FlushParallelism = 9
	cfg.Telemetry.BatchSize = 32

	s, err := NewFromConfig(cfg, NewMemoryStore(0, 0), testLogger())
	require.NoError(t, err)
	assert.Equal(t, 9, s.cfg.FlushParallelism)
	assert.Equal(t, 32, s.cfg.BatchSize)
}
