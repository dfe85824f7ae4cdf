package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel(" WARN "))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("bogus"))
}

func TestNewLogger_WritesConsoleAndFile(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Output = "both"
	cfg.Format = "json"
	cfg.FilePath = filepath.Join(dir, "docscale.log")

	var console bytes.Buffer
	log := newLogger(cfg, &console)
	log.Info("processing started")
	require.NoError(t, log.Sync())

	assert.Contains(t, console.String(), "processing started")
	data, err := os.ReadFile(cfg.FilePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "processing started")
}

func TestNewLogger_RespectsLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "warn"
	var console bytes.Buffer
	log := newLogger(cfg, &console)
	log.Info("hidden")
	log.Warn("shown")
	_ = log.Sync()

	assert.NotContains(t, console.String(), "hidden")
	assert.Contains(t, console.String(), "shown")
}

func TestForWorker_ForcesStderr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output = "both"
	assert.Equal(t, "stderr", ForWorker(cfg).Output)
	assert.Equal(t, cfg.Level, ForWorker(cfg).Level)
}
