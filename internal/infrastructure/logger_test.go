package infrastructure

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfortio/keyfort/internal/config"
)

func TestNewLogger(t *testing.T) {
	t.Run("console output", func(t *testing.T) {
		logger, err := NewLogger(config.LoggingConfig{Level: "info", Format: "json", Output: "console"})
		require.NoError(t, err)
		require.NotNil(t, logger)
	})

	t.Run("file output creates the directory", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "test.log")
		logger, err := NewLogger(config.LoggingConfig{Level: "debug", Format: "text", Output: "file", FilePath: path})
		require.NoError(t, err)

		logger.Info("hello")
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "hello")
	})

	t.Run("level filtering", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "test.log")
		logger, err := NewLogger(config.LoggingConfig{Level: "warn", Format: "json", Output: "file", FilePath: path})
		require.NoError(t, err)

		logger.Info("filtered out")
		logger.Warn("kept")

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "filtered out")
		assert.Contains(t, string(data), "kept")
	})
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("WARN"))
	assert.Equal(t, slog.LevelError, parseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("info"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("anything-else"))
}

func TestTraceIDContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, TraceIDFromContext(ctx))

	ctx = WithTraceID(ctx, "trace-123")
	assert.Equal(t, "trace-123", TraceIDFromContext(ctx))
}
