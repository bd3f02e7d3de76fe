// Package logging wraps zap with the small structured-logging surface used
// across curate: a message, an optional error and optional field maps.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is a logging level name as it appears in configuration
type Level string

const (
	Debug   Level = "debug"
	Info    Level = "info"
	Warning Level = "warn"
	Error   Level = "error"
)

// Config configures a Logger
type Config struct {
	Level  Level
	Format string // "json" or "console"
	Name   string
}

// Logger is a thin wrapper around a zap.Logger
type Logger struct {
	// Zap is exposed for callers that need zap-specific functionality
	Zap *zap.Logger
}

// New builds a production logger writing to stderr
func New(cfg Config) (*Logger, error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeDuration = zapcore.MillisDurationEncoder

	encoding := strings.ToLower(cfg.Format)
	switch encoding {
	case "", "json":
		encoding = "json"
		encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	case "console":
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log format: %s", cfg.Format)
	}

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zcfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encoding,
		EncoderConfig:    encoderCfg,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields: map[string]interface{}{
			"pid": os.Getpid(),
		},
	}

	zl, err := zcfg.Build(zap.AddCaller(), zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	if cfg.Name != "" {
		zl = zl.Named(cfg.Name)
	}

	return &Logger{Zap: zl}, nil
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{Zap: zap.NewNop()}
}

// FromZap wraps an existing zap logger
func FromZap(zl *zap.Logger) *Logger {
	if zl == nil {
		return Nop()
	}
	return &Logger{Zap: zl}
}

func parseLevel(l Level) (zapcore.Level, error) {
	switch Level(strings.ToLower(string(l))) {
	case "", Info:
		return zap.InfoLevel, nil
	case Debug:
		return zap.DebugLevel, nil
	case Warning, "warning":
		return zap.WarnLevel, nil
	case Error:
		return zap.ErrorLevel, nil
	default:
		return zap.InfoLevel, fmt.Errorf("unknown log level: %s", l)
	}
}

// With returns a child logger carrying the given fields on every entry
func (l *Logger) With(fields map[string]interface{}) *Logger {
	return &Logger{Zap: l.Zap.With(toZapFields(nil, fields)...)}
}

// Named returns a child logger with the name appended
func (l *Logger) Named(name string) *Logger {
	return &Logger{Zap: l.Zap.Named(name)}
}

// Debug logs at debug level
func (l *Logger) Debug(msg string, err error, fields ...map[string]interface{}) {
	l.Zap.Debug(msg, toZapFields(err, fields...)...)
}

// Info logs at info level
func (l *Logger) Info(msg string, err error, fields ...map[string]interface{}) {
	l.Zap.Info(msg, toZapFields(err, fields...)...)
}

// Warn logs at warn level
func (l *Logger) Warn(msg string, err error, fields ...map[string]interface{}) {
	l.Zap.Warn(msg, toZapFields(err, fields...)...)
}

// Error logs at error level
func (l *Logger) Error(msg string, err error, fields ...map[string]interface{}) {
	l.Zap.Error(msg, toZapFields(err, fields...)...)
}

// Sync flushes buffered entries
func (l *Logger) Sync() error {
	return l.Zap.Sync()
}

// toZapFields flattens an error and field maps into zap fields. Later maps
// override earlier ones on key collisions.
func toZapFields(err error, fields ...map[string]interface{}) []zap.Field {
	merged := make(map[string]interface{})
	for _, m := range fields {
		for k, v := range m {
			merged[k] = v
		}
	}

	out := make([]zap.Field, 0, len(merged)+1)
	if err != nil {
		out = append(out, zap.Error(err))
	}
	for k, v := range merged {
		out = append(out, zap.Any(k, v))
	}
	return out
}
