// Package zaplog builds zap loggers for the delivery binaries and adapts them
// to delivery.Logger.
package zaplog

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/velmie/delivery"
)

// Config selects the level and encoding. Empty fields fall back to info/json
// written to stdout.
type Config struct {
	Level       string
	Encoding    string
	OutputPaths []string
}

// New builds a production-style logger with an ISO8601 "ts" field.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		parsed, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("zaplog: invalid level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	encoding := cfg.Encoding
	if encoding == "" {
		encoding = "json"
	}
	if encoding != "json" && encoding != "console" {
		return nil, fmt.Errorf("zaplog: invalid encoding %q", encoding)
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	zcfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encoding,
		EncoderConfig:    encCfg,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("zaplog: build logger: %w", err)
	}

	return logger, nil
}

// Adapter implements delivery.Logger on a sugared logger.
type Adapter struct {
	log *zap.SugaredLogger
}

var _ delivery.Logger = Adapter{}

// NewAdapter wraps logger. A nil logger discards everything.
func NewAdapter(logger *zap.Logger) Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}

	return Adapter{log: logger.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

// Debug implements delivery.Logger.
func (a Adapter) Debug(msg string, args ...any) { a.log.Debugw(msg, args...) }

// Info implements delivery.Logger.
func (a Adapter) Info(msg string, args ...any) { a.log.Infow(msg, args...) }

// Warn implements delivery.Logger.
func (a Adapter) Warn(msg string, args ...any) { a.log.Warnw(msg, args...) }

// Error implements delivery.Logger.
func (a Adapter) Error(msg string, args ...any) { a.log.Errorw(msg, args...) }
