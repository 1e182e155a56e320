package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.log")
	require.NoError(t, Init(&Config{Level: "debug", Output: path}))

	l := WithComponent("append")
	l.Info().Str("stream", "orders-1").Msg("file output works")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"file output works"`)
	assert.Contains(t, string(data), `"component":"append"`)
	assert.Contains(t, string(data), `"stream":"orders-1"`)
}

func TestInit_RotationWriterCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rotated.log")
	require.NoError(t, Init(&Config{
		Level:      "info",
		Output:     path,
		Rotation:   true,
		MaxSize:    1,
		MaxBackups: 1,
		MaxAge:     1,
	}))

	l := Logger()
	l.Info().Msg("rotation output works")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "rotation output works")
}

func TestInit_UnknownLevelFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.log")
	require.NoError(t, Init(&Config{Level: "loudest", Output: path}))

	l := Logger()
	l.Debug().Msg("below the fallback level")
	l.Info().Msg("at the fallback level")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "below the fallback level")
	assert.Contains(t, string(data), "at the fallback level")
}
