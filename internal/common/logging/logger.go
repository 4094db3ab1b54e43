// Package logging provides structured logging using zap
package logging

import (
	"context"
	"fmt"
	"os"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	leadIDKey    contextKey = "lead_id"
)

// ContextWithRequestID stores a request id picked up by Logger.WithContext.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// ContextWithLeadID stores the lead being routed.
func ContextWithLeadID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, leadIDKey, id)
}

// NewDefaultLogger creates a console logger writing to stdout
func NewDefaultLogger() Logger {
	logger, err := NewZapLogger(LogConfig{Level: ParseLevel(os.Getenv("LOG_LEVEL"))})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize default zap logger: %v", err))
	}
	return logger
}

// Options configures InitGlobalLogger.
type Options struct {
	Level  string
	Format string
	// File is appended to when set; stdout otherwise.
	File string
}

// InitGlobalLogger builds the process-wide logger from options and installs it.
func InitGlobalLogger(opts Options) (Logger, error) {
	cfg := LogConfig{
		Level:  ParseLevel(opts.Level),
		Format: ParseFormat(opts.Format),
		Name:   "lead-router",
	}

	if opts.File != "" {
		file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", opts.File, err)
		}
		cfg.Output = file
	}

	logger, err := NewZapLogger(cfg)
	if err != nil {
		return nil, err
	}
	SetGlobalLogger(logger)

	logger.Debug("Logger initialized",
		String("level", cfg.Level.String()),
		String("format", string(cfg.Format)),
	)
	return logger, nil
}

// MustSync flushes any buffered log entries for zap loggers
func MustSync() {
	if zapLogger, ok := GetGlobalLogger().(*ZapAdapter); ok {
		_ = zapLogger.Sync()
	}
}

// WithFields is a convenience function to add fields to the global logger
func WithFields(fields ...Field) Logger {
	return GetGlobalLogger().WithFields(fields...)
}

// Component returns a child of the global logger tagged with a component name.
func Component(name string) Logger {
	return GetGlobalLogger().WithFields(Field{"component", name})
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...Field)               {}
func (NopLogger) Info(string, ...Field)                {}
func (NopLogger) Warn(string, ...Field)                {}
func (NopLogger) Error(string, error, ...Field)        {}
func (n NopLogger) WithFields(...Field) Logger         { return n }
func (n NopLogger) WithContext(context.Context) Logger { return n }
