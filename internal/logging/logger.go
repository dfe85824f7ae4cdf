// Package logging builds the zap loggers used by every docscale component.
package logging

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls level, encoding and sinks.
type Config struct {
	Level      string `yaml:"level" env:"DOCSCALE_LOG_LEVEL"`   // debug, info, warn, error
	Format     string `yaml:"format" env:"DOCSCALE_LOG_FORMAT"` // console, json
	Output     string `yaml:"output" env:"DOCSCALE_LOG_OUTPUT"` // stderr, file, both
	FilePath   string `yaml:"file_path" env:"DOCSCALE_LOG_FILE"`
	MaxSize    int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age_days"`
}

func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "console",
		Output:     "stderr",
		FilePath:   "logs/docscale.log",
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     30,
	}
}

// New builds a logger from cfg. The console stream always goes to stderr so that
// stdout stays free for command output and worker events.
func New(cfg Config) *zap.Logger {
	return newLogger(cfg, os.Stderr)
}

func newLogger(cfg Config, console io.Writer) *zap.Logger {
	level := ParseLevel(cfg.Level)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}

	fileEncoder := zapcore.NewJSONEncoder(encoderConfig)
	var consoleEncoder zapcore.Encoder
	if strings.EqualFold(cfg.Format, "json") {
		consoleEncoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		consoleCfg := encoderConfig
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		consoleEncoder = zapcore.NewConsoleEncoder(consoleCfg)
	}

	output := strings.ToLower(strings.TrimSpace(cfg.Output))
	var cores []zapcore.Core
	if output == "" || output == "stderr" || output == "both" {
		cores = append(cores, zapcore.NewCore(consoleEncoder, zapcore.AddSync(console), level))
	}
	if (output == "file" || output == "both") && strings.TrimSpace(cfg.FilePath) != "" {
		writer := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
		}
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(writer), level))
	}
	if len(cores) == 0 {
		return zap.NewNop()
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

// ForWorker returns the config a child worker process logs with. Children share the
// parent's stderr and never open the rotating file, which is owned by the parent.
func ForWorker(cfg Config) Config {
	out := cfg
	out.Output = "stderr"
	return out
}

func ParseLevel(raw string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
