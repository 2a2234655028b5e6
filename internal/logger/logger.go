// Package logger builds the zap logger and keeps its level in sync with the
// configuration file.
package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aristath/taskengine/internal/config"
)

// Logger is a zap logger whose level can change at runtime.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// Build sets up the base logger: levels below error go to diag, error and
// above to stderr. Commands pass their error stream as diag and keep stdout
// for reports.
func Build(cfg config.LoggerConfig, diag io.Writer) (*Logger, error) {
	return build(cfg, diag, os.Stderr)
}

func build(cfg config.LoggerConfig, diag, stderr io.Writer) (*Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing logger level: %w", err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	if cfg.Development {
		encoderCfg = zap.NewDevelopmentEncoderConfig()
	}
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeDuration = zapcore.StringDurationEncoder
	encoderCfg.EncodeCaller = zapcore.ShortCallerEncoder

	encoder := zapcore.NewJSONEncoder(encoderCfg)
	if cfg.Encoding == "console" {
		encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	// Level filters
	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})

	lowPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return level.Enabled(lvl) && lvl < zapcore.ErrorLevel
	})

	infoCore := zapcore.NewCore(encoder, zapcore.AddSync(diag), lowPriority)
	errorCore := zapcore.NewCore(encoder, zapcore.AddSync(stderr), highPriority)

	opts := []zap.Option{zap.AddCaller()}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	return &Logger{
		Logger: zap.New(zapcore.NewTee(infoCore, errorCore), opts...),
		level:  level,
	}, nil
}

// SetLevel changes the logger level dynamically.
func (l *Logger) SetLevel(level string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parsing logger level: %w", err)
	}
	if l.level.Level() != lvl {
		l.level.SetLevel(lvl)
		l.Info("Atomic level updated", zap.String("value", level))
	}
	return nil
}

// Level returns the current level.
func (l *Logger) Level() zapcore.Level {
	return l.level.Level()
}

// WatchLevel re-reads logger.level whenever v's config file changes. It does
// nothing when v has no config file.
func (l *Logger) WatchLevel(v *viper.Viper) {
	if v.ConfigFileUsed() == "" {
		return
	}

	v.OnConfigChange(func(in fsnotify.Event) {
		if in.Op&fsnotify.Create != 0 {
			return
		}
		if err := l.SetLevel(v.GetString("logger.level")); err != nil {
			l.Error("Couldn't parse level", zap.Error(err))
		}
	})
	v.WatchConfig()
}
