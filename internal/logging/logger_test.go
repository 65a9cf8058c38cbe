package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	require.NoError(t, err)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false)
	require.NoError(t, err)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestForRunAddsFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	ForRun(zap.New(core), "zoro", "run-1").Info("crawl started")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "zoro", fields["crawl"])
	assert.Equal(t, "run-1", fields["run_id"])

	assert.NotNil(t, ForRun(nil, "zoro", "run-2"))
}
