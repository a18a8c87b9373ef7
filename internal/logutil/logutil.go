// Package logutil owns the process-wide zap logger. Library code takes a
// *zap.Logger explicitly; the global is for the CLI and for call sites
// with no injection path.
package logutil

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var globalLogger atomic.Pointer[zap.Logger]

func init() {
	globalLogger.Store(zap.NewNop())
}

// GetGlobalLogger returns the current global logger.
func GetGlobalLogger() *zap.Logger {
	return globalLogger.Load()
}

// SetGlobalLogger replaces the global logger.
func SetGlobalLogger(l *zap.Logger) {
	if l != nil {
		globalLogger.Store(l)
	}
}

// NewLogger builds a production logger at the given level. Unrecognized
// levels default to info.
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// Setup builds a logger at the given level and installs it globally.
func Setup(level string) (*zap.Logger, error) {
	l, err := NewLogger(level)
	if err != nil {
		return nil, err
	}
	SetGlobalLogger(l)
	return l, nil
}
