package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the zap logger for a run. Verbose switches to the development
// config at debug level so probe output and tool versions become visible.
// Logs go to stderr; <deploy>/logs belongs to the running services.
func New(verbose bool) (*zap.Logger, error) {
	var cfg zap.Config
	if verbose {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.CallerKey = "caller"
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Encoding = "console"
		cfg.DisableCaller = true
		cfg.DisableStacktrace = true
		cfg.Sampling = nil
	}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return l, nil
}

// Component scopes a logger to a single workspace component.
func Component(l *zap.Logger, name string) *zap.Logger {
	return l.With(zap.String("component", name))
}
