package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Disabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	// Every helper must be safe on an inert provider.
	assert.NotNil(t, p.Tracer())
	p.RecordAnalysis(context.Background(), "pull_request", "allow", false, 10*time.Millisecond)
	p.RecordAnalysis(context.Background(), "drift", "block", true, time.Second)
	p.RecordError(context.Background(), errors.New("boom"))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "mirror-dissonance-oracle", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.True(t, cfg.Enabled)
}

func TestNew_EnabledInitializes(t *testing.T) {
	// Constructing OTLP exporters does not dial, so this exercises the
	// full init path without a collector.
	p, err := New(context.Background(), &Config{
		Enabled:      true,
		ServiceName:  "test-oracle",
		OTLPEndpoint: "localhost:4317",
		SampleRate:   0.5,
		BatchTimeout: time.Second,
		Insecure:     true,
	})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	p.RecordAnalysis(context.Background(), "merge_group", "warn", false, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = p.Shutdown(ctx)
}
