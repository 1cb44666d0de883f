package logger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLevelFor(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, levelFor(Options{Level: "debug"}))
	assert.Equal(t, zapcore.InfoLevel, levelFor(Options{Level: "nonsense"}))
	// Quiet wins over any configured level.
	assert.Equal(t, zapcore.ErrorLevel, levelFor(Options{Level: "debug", Quiet: true}))
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")

	log, err := New(Options{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	log.Info("started")
	log.Sync()

	assert.FileExists(t, path)
}

func TestNew_BadOutputPath(t *testing.T) {
	_, err := New(Options{Output: filepath.Join(t.TempDir(), "missing", "run.log")})
	assert.Error(t, err)
}
