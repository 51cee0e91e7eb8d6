package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/funding-control-plane/config"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(config.ObservabilityConfig{LogLevel: "warn", LogFormat: "json", ServiceName: "funding-gateway"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	logger, err = NewLogger(config.ObservabilityConfig{LogLevel: "DEBUG", LogFormat: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = NewLogger(config.ObservabilityConfig{LogLevel: "loud"})
	assert.Error(t, err)
}

func TestSetupTracing_NoopWhenDisabled(t *testing.T) {
	for _, cfg := range []config.ObservabilityConfig{
		{TracingEnabled: false, TracingEndpoint: "http://localhost:4318"},
		{TracingEnabled: true},
	} {
		shutdown, err := SetupTracing(context.Background(), cfg)
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.NoError(t, shutdown(ctx))
	}
}

func TestSetupTracing_ShutdownFlushesCleanly(t *testing.T) {
	// non-routable address, nothing is exported
	shutdown, err := SetupTracing(context.Background(), config.ObservabilityConfig{
		TracingEnabled:    true,
		TracingEndpoint:   "http://192.0.2.1:4318",
		TracingSampleRate: 0.5,
	})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}
