// Package logging owns the process-wide zap logger. The pipeline packages
// log through the global so per-request code never threads a logger around.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu sync.RWMutex

	// Stands in until main installs the configured logger; startup errors
	// still get structured output.
	global = zap.Must(zap.NewProduction())
)

// New builds a production logger at the named level ("debug", "info",
// "warn", "error"). An unrecognized level falls back to info rather than
// failing startup over a config typo.
func New(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	return cfg.Build(
		zap.AddCallerSkip(1), // account for the package-level wrappers
	)
}

// Global returns the current global logger.
func Global() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// SetGlobal installs l as the global logger.
func SetGlobal(l *zap.Logger) {
	mu.Lock()
	global = l
	mu.Unlock()
}

// Info logs at info level through the global logger.
func Info(msg string, fields ...zap.Field) {
	Global().Info(msg, fields...)
}

// Error logs at error level through the global logger.
func Error(msg string, fields ...zap.Field) {
	Global().Error(msg, fields...)
}

// Debug logs at debug level through the global logger.
func Debug(msg string, fields ...zap.Field) {
	Global().Debug(msg, fields...)
}
