// Package logging wires the process-wide structured logger. Every
// constructor in this repository takes a *zap.SugaredLogger the way
// FluxForge's constructors take a *log.Logger — passed in, never
// reached for as a bare package global once main.go has finished
// wiring.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. In production mode it emits JSON
// (zap's production config, which writes to stderr); in development
// mode it emits the human-readable console encoder. main.go selects
// development mode unless ORCH_ENV is "production".
func New(dev bool) *zap.SugaredLogger {
	var cfg zap.Config
	if dev {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	logger, err := cfg.Build()
	if err != nil {
		// Logger construction itself failing is not recoverable;
		// fall back to a bare stdout writer so startup can still
		// report why, matching FluxForge's log.Default() bootstrap
		// fallback in streaming.LogPublisher.
		fallback := zap.NewExample()
		fallback.Sugar().Errorw("falling back to example logger", "err", err)
		return fallback.Sugar()
	}
	return logger.Sugar()
}

// Bootstrap is the logger used for the narrow window before main.go
// finishes constructing the configured logger (flag/env parse
// failures, etc).
var Bootstrap = zap.NewExample().Sugar()
