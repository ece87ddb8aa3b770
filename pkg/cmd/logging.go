package cmd

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds the process logr.Logger from a textual level
// ("debug", "info", "warn", "error") and an optional file path, in the
// teacher's zap-backed style: an ISO8601 time encoder, wrapped for logr
// consumers via zapr. Unlike the teacher's diskrsync-tcp/main.go, no flags
// are bound here: the caller passes the level and file (serve takes them
// from the server configuration's logging section), and zap.Config is used
// rather than controller-runtime's zap.Options, since nothing else in this
// tree pulls in controller-runtime.
// An empty file sends output to stderr, matching the CLI's other commands.
func newLogger(level, file string) (logr.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return logr.Discard(), err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.TimeKey = "ts"

	sink := "stderr"
	if file != "" {
		sink = file
	}

	zcfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    encoderCfg,
		OutputPaths:      []string{sink},
		ErrorOutputPaths: []string{"stderr"},
	}

	zl, err := zcfg.Build()
	if err != nil {
		return logr.Discard(), err
	}
	return zapr.NewLogger(zl), nil
}
