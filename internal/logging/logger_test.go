package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestConfigValidate(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Level = "verbose"
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Format = "xml"
	assert.Error(t, cfg.Validate())
}

func TestNewLogger(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Fields = map[string]string{"service": "specpipe"}

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.NotNil(t, logger.Underlying())
}

func TestContextFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ContextFields(ctx))

	ctx = WithRunID(ctx, "run-123")
	ctx = WithSpecID(ctx, "SPEC-001")

	fields := ContextFields(ctx)
	require.Len(t, fields, 2)
	assert.Equal(t, "run-123", RunIDFromContext(ctx))
	assert.Equal(t, "SPEC-001", SpecIDFromContext(ctx))
}

func TestTestLoggerObserves(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithRunID(context.Background(), "run-abc")

	tl.Info(ctx, "stage advanced")
	tl.Warn(ctx, "worker timed out")

	tl.AssertLogged(t, zapcore.InfoLevel, "stage advanced")
	tl.AssertLogged(t, zapcore.WarnLevel, "timed out")
	assert.Equal(t, 1, tl.FilterMessage("stage advanced").Len())

	entry := tl.All()[0]
	require.Len(t, entry.Context, 1)
	assert.Equal(t, "run.id", entry.Context[0].Key)
}
