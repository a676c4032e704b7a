// Package logging builds the zap loggers shared by the relay and the client runtime.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel maps a configured level name to a zap level. Unknown names fall back to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// NewLogger returns a zap logger configured for structured production logging.
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	return cfg.Build()
}

// Named returns a child logger for one component, tagged with the process origin when set.
func Named(logger *zap.Logger, component, origin string) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	named := logger.Named(component)
	if origin != "" {
		named = named.With(zap.String("origin", origin))
	}
	return named
}
