package telemetry

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger exposes the logging capabilities required by server components.
type Logger interface {
	Printf(format string, args ...any)
}

// LoggerFunc adapts functions into the Logger interface.
type LoggerFunc func(format string, args ...any)

// Printf implements Logger for LoggerFunc.
func (f LoggerFunc) Printf(format string, args ...any) {
	if f == nil {
		return
	}
	f(format, args...)
}

// WrapZap adapts a zap logger to the Logger interface. Messages are logged
// at info level.
func WrapZap(logger *zap.Logger) Logger {
	if logger == nil {
		return &zapAdapter{}
	}
	return &zapAdapter{logger: logger.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

type zapAdapter struct {
	logger *zap.SugaredLogger
}

func (l *zapAdapter) Printf(format string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Infof(format, args...)
}

// Zap exposes the wrapped logger for components that log structured fields.
func (l *zapAdapter) Zap() *zap.Logger {
	if l == nil || l.logger == nil {
		return zap.NewNop()
	}
	return l.logger.Desugar()
}

// ZapLogger returns the structured logger behind a Logger built with WrapZap,
// or a no-op logger.
func ZapLogger(logger Logger) *zap.Logger {
	if provider, ok := logger.(interface{ Zap() *zap.Logger }); ok {
		return provider.Zap()
	}
	return zap.NewNop()
}

// NewLogger builds the process logger: production JSON encoding at the
// given level ("debug", "info", "warn", "error").
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(parsed)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}
