// Package logger holds the process-wide zap logger.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is a no-op until Init, so packages can log freely under test.
var Log = zap.NewNop()

// Build returns a logger writing to stdout. Unknown levels fall back to
// info; encoding is "json" (default) or "console".
func Build(level, encoding string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	if encoding != "console" {
		encoding = "json"
	}

	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	if encoding == "console" {
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	cfg := zap.Config{
		Encoding:         encoding,
		Level:            zap.NewAtomicLevelAt(lvl),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig:    enc,
		InitialFields:    map[string]interface{}{"service": "msg-engine"},
	}
	return cfg.Build()
}

// Init replaces Log. It panics if the logger cannot be built.
func Init(level, encoding string) {
	l, err := Build(level, encoding)
	if err != nil {
		panic(err)
	}
	Log = l
}

// Sync flushes buffered entries; errors from stdout sync are ignored.
func Sync() {
	_ = Log.Sync()
}
