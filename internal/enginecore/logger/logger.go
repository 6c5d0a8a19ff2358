// Package logger provides the structured logging facility shared by
// every command and background component in the scanning engine. It
// writes to the console at a configurable level and, optionally, to
// append-only JSON files at fixed levels. Files are not rotated.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.SugaredLogger

// Config holds logger construction options.
type Config struct {
	// Level (debug, info, warn, error; default info) is the console
	// level used when ConsoleLevel is empty. The file cores ignore it.
	Level string
	// ConsoleLevel is the minimum level shown on console, independent of
	// the file level.
	ConsoleLevel string
	// DebugFile, if set, receives debug-and-above JSON records.
	DebugFile string
	// RunLogFile, if set, receives info-and-above JSON records; every
	// ingest/evaluate/scan-coverage run appends to the same file.
	RunLogFile string
	// Development enables human-friendly stack traces and verbose output.
	Development bool
}

// Init initializes the global sugared logger with the given configuration.
func Init(cfg Config) error {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.ConsoleLevel == "" {
		cfg.ConsoleLevel = cfg.Level
	}

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleCfg.EncodeCaller = zapcore.ShortCallerEncoder

	fileCfg := zap.NewProductionEncoderConfig()
	fileCfg.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	fileCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	fileCfg.EncodeCaller = zapcore.ShortCallerEncoder

	var cores []zapcore.Core

	consoleLevel := parseLevel(cfg.ConsoleLevel)
	cores = append(cores, zapcore.NewCore(
		zapcore.NewConsoleEncoder(consoleCfg),
		zapcore.Lock(os.Stderr),
		consoleLevel,
	))

	if cfg.DebugFile != "" {
		f, err := openAppend(cfg.DebugFile)
		if err != nil {
			return fmt.Errorf("open debug log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(fileCfg),
			zapcore.Lock(f),
			zapcore.DebugLevel,
		))
	}

	if cfg.RunLogFile != "" {
		f, err := openAppend(cfg.RunLogFile)
		if err != nil {
			return fmt.Errorf("open run log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(fileCfg),
			zapcore.Lock(f),
			zapcore.InfoLevel,
		))
	}

	core := zapcore.NewTee(cores...)
	options := []zap.Option{zap.AddCaller(), zap.AddCallerSkip(1)}
	if cfg.Development {
		options = append(options, zap.Development())
	}

	logger = zap.New(core, options...).Sugar()
	return nil
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}

// L returns the global sugared logger, lazily initializing it with
// development defaults if Init was never called.
func L() *zap.SugaredLogger {
	if logger == nil {
		_ = Init(Config{Level: "info", ConsoleLevel: "info", Development: true})
	}
	return logger
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
