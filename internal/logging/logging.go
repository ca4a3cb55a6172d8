// Package logging builds the process logger. Components receive a
// *zap.Logger (usually Named per subsystem) from the entry point; there
// is no package-level logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New constructs a production zap logger at the given level. When file
// is non-empty, logs are written there as JSON in addition to stderr;
// stderr output stays console-encoded for operators.
func New(level, file string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}
	if file != "" {
		jsonCfg := zap.NewProductionConfig()
		jsonCfg.Level = zap.NewAtomicLevelAt(lvl)
		jsonCfg.OutputPaths = []string{file}
		fileLogger, err := jsonCfg.Build()
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", file, err)
		}
		console, err := cfg.Build()
		if err != nil {
			return nil, err
		}
		core := zapcore.NewTee(console.Core(), fileLogger.Core())
		return zap.New(core), nil
	}
	return cfg.Build()
}
