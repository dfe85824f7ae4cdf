// Package config loads docscale settings with precedence
// defaults < YAML file < environment < command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"docscale/internal/logging"
)

const DefaultConfigPath = "docscale.yaml"

// Config is the complete docscale configuration.
type Config struct {
	Paths     PathsConfig     `yaml:"paths"`
	Model     ModelConfig     `yaml:"model"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Benchmark BenchmarkConfig `yaml:"benchmark"`
	Retry     RetryConfig     `yaml:"retry"`
	Logging   logging.Config  `yaml:"logging"`
}

type PathsConfig struct {
	InputDir         string `yaml:"input_dir" env:"DOCSCALE_INPUT_DIR"`
	OutputDir        string `yaml:"output_dir" env:"DOCSCALE_OUTPUT_DIR"`
	ScratchDir       string `yaml:"scratch_dir" env:"DOCSCALE_SCRATCH_DIR"`
	LedgerPath       string `yaml:"ledger_path" env:"DOCSCALE_LEDGER_PATH"`
	BenchmarkLogPath string `yaml:"benchmark_log_path" env:"DOCSCALE_BENCHMARK_LOG"`
	BestConfigPath   string `yaml:"best_config_path" env:"DOCSCALE_BEST_CONFIG"`
}

type ModelConfig struct {
	Engine   string `yaml:"engine" env:"DOCSCALE_MODEL_ENGINE"` // interpolate, exec
	Dir      string `yaml:"dir" env:"DOCSCALE_MODEL_DIR"`
	Binary   string `yaml:"binary" env:"DOCSCALE_MODEL_BINARY"`
	Scale    int    `yaml:"scale" env:"DOCSCALE_MODEL_SCALE"`
	TileSize int    `yaml:"tile_size" env:"DOCSCALE_MODEL_TILE_SIZE"`
	Device   string `yaml:"device" env:"DOCSCALE_MODEL_DEVICE"`
}

type PipelineConfig struct {
	Processes          int    `yaml:"processes" env:"DOCSCALE_PROCESSES"`
	Threads            int    `yaml:"threads" env:"DOCSCALE_THREADS"`
	Launcher           string `yaml:"launcher" env:"DOCSCALE_LAUNCHER"` // exec, inprocess
	TrustIntermediates bool   `yaml:"trust_intermediates" env:"DOCSCALE_TRUST_INTERMEDIATES"`
	KeepScratch        bool   `yaml:"keep_scratch" env:"DOCSCALE_KEEP_SCRATCH"`
	PPI                int    `yaml:"ppi" env:"DOCSCALE_PPI"` // 0 estimates per folder
	BinaryThreshold    int    `yaml:"binary_threshold"`
	CalibrationWorkers int    `yaml:"calibration_workers"`
}

type LedgerConfig struct {
	Format           string        `yaml:"format" env:"DOCSCALE_LEDGER_FORMAT"`   // append, compact
	Sharing          string        `yaml:"sharing" env:"DOCSCALE_LEDGER_SHARING"` // shared, per-process
	AutosaveInterval time.Duration `yaml:"autosave_interval" env:"DOCSCALE_LEDGER_AUTOSAVE"`
	WriteAttempts    int           `yaml:"write_attempts"`
}

type BenchmarkConfig struct {
	Devices    []string      `yaml:"devices" env:"DOCSCALE_BENCHMARK_DEVICES"`
	Processes  []int         `yaml:"processes" env:"DOCSCALE_BENCHMARK_PROCESSES"`
	Threads    []int         `yaml:"threads" env:"DOCSCALE_BENCHMARK_THREADS"`
	SampleSize int           `yaml:"sample_size" env:"DOCSCALE_BENCHMARK_SAMPLE"`
	CPUMaxAvg  time.Duration `yaml:"cpu_max_avg" env:"DOCSCALE_BENCHMARK_CPU_MAX_AVG"`
	Auto       bool          `yaml:"auto" env:"DOCSCALE_BENCHMARK_AUTO"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" env:"DOCSCALE_RETRY_MAX_ATTEMPTS"`
	Delay       time.Duration `yaml:"delay" env:"DOCSCALE_RETRY_DELAY"`
}

const (
	EngineInterpolate = "interpolate"
	EngineExec        = "exec"

	LauncherExec      = "exec"
	LauncherInProcess = "inprocess"

	LedgerAppend  = "append"
	LedgerCompact = "compact"

	SharingShared     = "shared"
	SharingPerProcess = "per-process"
)

func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			InputDir:         "images/input",
			OutputDir:        "images/output",
			ScratchDir:       "images/tmp",
			LedgerPath:       "logs/processing_log.csv",
			BenchmarkLogPath: "benchmark/benchmark_log.csv",
			BestConfigPath:   "benchmark/benchmark_results.json",
		},
		Model: ModelConfig{
			Engine:   EngineInterpolate,
			Dir:      "model/super_res",
			Binary:   "realesrgan-ncnn-vulkan",
			Scale:    2,
			TileSize: 128,
			Device:   "gpu",
		},
		Pipeline: PipelineConfig{
			Launcher:           LauncherExec,
			BinaryThreshold:    50,
			CalibrationWorkers: 4,
		},
		Ledger: LedgerConfig{
			Format:           LedgerAppend,
			Sharing:          SharingShared,
			AutosaveInterval: 10 * time.Second,
			WriteAttempts:    3,
		},
		Benchmark: BenchmarkConfig{
			Devices:    []string{"gpu", "cpu"},
			Processes:  []int{1, 2, 4, 8},
			Threads:    []int{1, 2, 3, 4, 8},
			SampleSize: 10,
			CPUMaxAvg:  60 * time.Second,
			Auto:       true,
		},
		Retry: RetryConfig{
			MaxAttempts: 10,
			Delay:       5 * time.Second,
		},
		Logging: logging.DefaultConfig(),
	}
}

// SuperResolvedDir is the intermediate output root for the configured scale factor.
func (c *Config) SuperResolvedDir() string {
	return filepath.Join(c.Paths.OutputDir, "super_resolved", fmt.Sprintf("x%d", c.Model.Scale))
}

// DownscaledDir is the final output root for the configured scale factor.
func (c *Config) DownscaledDir() string {
	return filepath.Join(c.Paths.OutputDir, "downscaled", fmt.Sprintf("x%d", c.Model.Scale))
}

// Validate rejects configurations no run could succeed with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Paths.InputDir) == "" {
		errs = append(errs, errors.New("paths.input_dir is required"))
	}
	if strings.TrimSpace(c.Paths.OutputDir) == "" {
		errs = append(errs, errors.New("paths.output_dir is required"))
	}
	if strings.TrimSpace(c.Paths.ScratchDir) == "" {
		errs = append(errs, errors.New("paths.scratch_dir is required"))
	}
	if strings.TrimSpace(c.Paths.LedgerPath) == "" {
		errs = append(errs, errors.New("paths.ledger_path is required"))
	}
	if !slices.Contains([]int{2, 3, 4}, c.Model.Scale) {
		errs = append(errs, fmt.Errorf("model.scale %d unsupported (expected 2, 3 or 4)", c.Model.Scale))
	}
	if c.Model.TileSize <= 0 {
		errs = append(errs, fmt.Errorf("model.tile_size must be positive, got %d", c.Model.TileSize))
	}
	if !slices.Contains([]string{EngineInterpolate, EngineExec}, c.Model.Engine) {
		errs = append(errs, fmt.Errorf("model.engine %q unknown (expected interpolate or exec)", c.Model.Engine))
	}
	if c.Pipeline.Processes < 0 || c.Pipeline.Threads < 0 {
		errs = append(errs, errors.New("pipeline.processes and pipeline.threads must not be negative"))
	}
	if !slices.Contains([]string{LauncherExec, LauncherInProcess}, c.Pipeline.Launcher) {
		errs = append(errs, fmt.Errorf("pipeline.launcher %q unknown (expected exec or inprocess)", c.Pipeline.Launcher))
	}
	if c.Pipeline.PPI != 0 && c.Pipeline.PPI != 400 && c.Pipeline.PPI != 600 {
		errs = append(errs, fmt.Errorf("pipeline.ppi %d unsupported (expected 0, 400 or 600)", c.Pipeline.PPI))
	}
	if !slices.Contains([]string{LedgerAppend, LedgerCompact}, c.Ledger.Format) {
		errs = append(errs, fmt.Errorf("ledger.format %q unknown (expected append or compact)", c.Ledger.Format))
	}
	if !slices.Contains([]string{SharingShared, SharingPerProcess}, c.Ledger.Sharing) {
		errs = append(errs, fmt.Errorf("ledger.sharing %q unknown (expected shared or per-process)", c.Ledger.Sharing))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.Delay < 0 {
		errs = append(errs, errors.New("retry.delay must not be negative"))
	}
	if c.Benchmark.SampleSize <= 0 {
		errs = append(errs, fmt.Errorf("benchmark.sample_size must be positive, got %d", c.Benchmark.SampleSize))
	}
	for _, p := range c.Benchmark.Processes {
		if p <= 0 {
			errs = append(errs, fmt.Errorf("benchmark.processes contains non-positive value %d", p))
		}
	}
	for _, t := range c.Benchmark.Threads {
		if t <= 0 {
			errs = append(errs, fmt.Errorf("benchmark.threads contains non-positive value %d", t))
		}
	}
	return errors.Join(errs...)
}

// Loader reads configuration from the supported sources.
type Loader struct {
	configPath string
	cmdArgs    map[string]string
	lookupEnv  func(string) (string, bool)
}

func NewLoader() *Loader {
	return &Loader{
		cmdArgs:   make(map[string]string),
		lookupEnv: os.LookupEnv,
	}
}

func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithCmdArgs sets dot-path overrides such as "pipeline.processes" -> "4".
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

func (l *Loader) WithEnv(lookup func(string) (string, bool)) *Loader {
	l.lookupEnv = lookup
	return l
}

func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := applyEnvToStruct(reflect.ValueOf(cfg).Elem(), l.lookupEnv); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}
	for key, value := range l.cmdArgs {
		if err := setConfigValue(cfg, key, value); err != nil {
			return nil, fmt.Errorf("apply flag %s: %w", key, err)
		}
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", l.configPath, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", l.configPath, err)
	}
	return nil
}

// Write stores cfg as YAML at path.
func Write(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func applyEnvToStruct(v reflect.Value, lookup func(string) (string, bool)) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct {
			if err := applyEnvToStruct(field, lookup); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		value, ok := lookup(envTag)
		if !ok || value == "" {
			continue
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("%s -> %s: %w", envTag, fieldType.Name, err)
		}
	}
	return nil
}

// setConfigValue sets a field addressed by its yaml dot path, e.g. "ledger.format".
func setConfigValue(cfg *Config, path, value string) error {
	parts := strings.Split(path, ".")
	v := reflect.ValueOf(cfg).Elem()

	for i, part := range parts {
		field, ok := fieldByYAMLName(v, part)
		if !ok {
			return fmt.Errorf("unknown config path %q", path)
		}
		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}
		if field.Kind() != reflect.Struct {
			return fmt.Errorf("%q is not a section", part)
		}
		v = field
	}
	return nil
}

func fieldByYAMLName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if tag == name || strings.EqualFold(t.Field(i).Name, name) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return errors.New("field cannot be set")
	}
	value = strings.TrimSpace(value)

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration %q: %w", value, err)
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer %q: %w", value, err)
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean %q: %w", value, err)
		}
		field.SetBool(b)
	case reflect.Slice:
		parts := splitList(value)
		switch field.Type().Elem().Kind() {
		case reflect.String:
			field.Set(reflect.ValueOf(parts))
		case reflect.Int:
			ints := make([]int, 0, len(parts))
			for _, p := range parts {
				n, err := strconv.Atoi(p)
				if err != nil {
					return fmt.Errorf("invalid integer %q in list: %w", p, err)
				}
				ints = append(ints, n)
			}
			field.Set(reflect.ValueOf(ints))
		default:
			return fmt.Errorf("unsupported list type %s", field.Type().Elem().Kind())
		}
	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
	return nil
}

func splitList(value string) []string {
	raw := strings.Split(value, ",")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
