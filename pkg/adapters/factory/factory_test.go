package factory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phasemirror/dissonance/pkg/adapters/redisstore"
	"github.com/phasemirror/dissonance/pkg/config"
)

func TestOpen_Local(t *testing.T) {
	cfg := config.Default()
	cfg.LocalDataDir = t.TempDir()

	set, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	assert.NotNil(t, set.FPStore)
	assert.NotNil(t, set.BlockCounter)
	assert.NotNil(t, set.Consent)
	assert.NotNil(t, set.Secrets)
	assert.NotNil(t, set.Baselines)
	assert.NotNil(t, set.Calibration)
}

func TestOpen_UnknownProvider(t *testing.T) {
	cfg := config.Default()
	cfg.Provider = "azure"
	_, err := Open(context.Background(), cfg)
	assert.Error(t, err)
}

func TestOpen_RedisOverridesBlockCounter(t *testing.T) {
	cfg := config.Default()
	cfg.LocalDataDir = t.TempDir()
	cfg.RedisAddr = "localhost:6379"

	set, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &redisstore.BlockCounter{}, set.BlockCounter)
}
