package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Retry.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Retry.Delay)
	assert.Equal(t, []int{1, 2, 4, 8}, cfg.Benchmark.Processes)
	assert.Equal(t, []int{1, 2, 3, 4, 8}, cfg.Benchmark.Threads)
	assert.Equal(t, filepath.Join("images/output", "downscaled", "x2"), cfg.DownscaledDir())
}

func TestLoaderPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docscale.yaml")
	yamlDoc := `
model:
  scale: 3
pipeline:
  processes: 2
  threads: 2
ledger:
  format: compact
benchmark:
  threads: [1, 2]
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))

	env := map[string]string{
		"DOCSCALE_THREADS":     "6",
		"DOCSCALE_RETRY_DELAY": "250ms",
	}
	cfg, err := NewLoader().
		WithConfigPath(path).
		WithEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok }).
		WithCmdArgs(map[string]string{"pipeline.processes": "4", "benchmark.devices": "cpu"}).
		Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Model.Scale, "yaml overrides default")
	assert.Equal(t, 6, cfg.Pipeline.Threads, "env overrides yaml")
	assert.Equal(t, 4, cfg.Pipeline.Processes, "flag overrides yaml")
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.Delay)
	assert.Equal(t, LedgerCompact, cfg.Ledger.Format)
	assert.Equal(t, []int{1, 2}, cfg.Benchmark.Threads)
	assert.Equal(t, []string{"cpu"}, cfg.Benchmark.Devices)
}

func TestLoaderMissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "none.yaml")).WithEnv(noEnv).Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoaderRejectsUnknownFlagPath(t *testing.T) {
	_, err := NewLoader().WithEnv(noEnv).WithCmdArgs(map[string]string{"pipeline.nope": "1"}).Load()
	require.Error(t, err)
}

func TestLoaderListOverride(t *testing.T) {
	cfg, err := NewLoader().WithEnv(noEnv).WithCmdArgs(map[string]string{"benchmark.processes": "1, 3"}).Load()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, cfg.Benchmark.Processes)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"scale":    func(c *Config) { c.Model.Scale = 5 },
		"engine":   func(c *Config) { c.Model.Engine = "onnx" },
		"format":   func(c *Config) { c.Ledger.Format = "sqlite" },
		"sharing":  func(c *Config) { c.Ledger.Sharing = "redis" },
		"attempts": func(c *Config) { c.Retry.MaxAttempts = 0 },
		"ppi":      func(c *Config) { c.Pipeline.PPI = 300 },
		"launcher": func(c *Config) { c.Pipeline.Launcher = "ssh" },
		"threads":  func(c *Config) { c.Benchmark.Threads = []int{0} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", "docscale.yaml")
	in := DefaultConfig()
	in.Pipeline.Processes = 3
	require.NoError(t, Write(path, in))

	out, err := NewLoader().WithConfigPath(path).WithEnv(noEnv).Load()
	require.NoError(t, err)
	assert.Equal(t, 3, out.Pipeline.Processes)
	assert.Equal(t, in.Benchmark.CPUMaxAvg, out.Benchmark.CPUMaxAvg)
}
