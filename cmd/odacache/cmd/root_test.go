package cmd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/aweris/odacache/internal/config"
	"github.com/aweris/odacache/internal/store"
)

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(config.Log{Level: "warn", Format: "json"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	logger, err = newLogger(config.Log{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = newLogger(config.Log{Level: "loud", Format: "console"})
	assert.Error(t, err)
}

func TestOpenMedium(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		backend string
		want    any
	}{
		{"memory", &store.MemoryStore{}},
		{"sqlite", &store.SQLiteStore{}},
		{"local", &store.LocalStore{}},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			medium, err := openMedium(ctx, config.Cache{
				Backend:          tt.backend,
				Dir:              filepath.Join(dir, "kv"),
				SQLitePath:       filepath.Join(dir, "cache.db"),
				CompressionLevel: 2,
			})
			require.NoError(t, err)
			defer medium.Close()
			assert.IsType(t, tt.want, medium)

			require.NoError(t, medium.Set(ctx, "k", []byte("v")))
			v, err := medium.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "v", string(v))
		})
	}
}
