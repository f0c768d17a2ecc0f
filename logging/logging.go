// Package logging provides the framework's structured logging: a process
// logger built on zap and a per-request audit logger carrying a trace id,
// registered into the request room so handlers can reach it without
// threading it through every call.
package logging

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TraceHeaderKey is the inbound header consulted for an existing trace id.
var TraceHeaderKey = "x-trace-id"

// Config controls the process logger.
type Config struct {
	// Format is "json" or "text".
	Format string
	// Level is a zap level name ("debug", "info", "warn", "error").
	Level string
}

// DefaultConfig returns JSON logging at info level.
func DefaultConfig() Config {
	return Config{Format: "json", Level: "info"}
}

var processLogger = zap.NewNop()

// Init builds the process logger from config and installs it as the
// package default. Call once during boot.
func Init(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if cfg.Format == "text" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	processLogger = logger
	return logger, nil
}

// SetProcessLogger swaps the package-level fallback logger, mainly for
// tests.
func SetProcessLogger(l *zap.Logger) {
	processLogger = l
}

// L returns the process logger.
func L() *zap.Logger {
	return processLogger
}

// MakeTraceID derives a trace id. Without an inbound id it mints
// `<unix-ms base32>.<4 hex>`; with one it stacks `parent><4 hex>` so a ray
// running through multiple services stays correlatable.
func MakeTraceID(current string) string {
	suffix := randomHex(4)[:4]
	if current == "" {
		return strconv.FormatInt(time.Now().UnixMilli(), 32) + "." + suffix
	}
	return current + ">" + suffix
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// Fall back to a time-derived suffix; uniqueness here is
		// best-effort diagnostics, not identity.
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(buf)
}
