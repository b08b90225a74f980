package logging

import (
	"context"
	"log/slog"
)

// LogFields represents structured logging key/value pairs used by Nimbus.
type LogFields map[string]any

// ServiceLogger is the minimal logging contract required by the Nimbus
// runtime. Applications adapt their existing loggers to it instead of
// depending on slog directly.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
}

// NewSlogServiceLogger wraps a slog.Logger so it satisfies the ServiceLogger
// interface.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("nimbus: slog logger cannot be nil")
	}
	return &slogServiceLogger{inner: log}
}

// Noop returns a logger that discards everything. Useful in tests.
func Noop() ServiceLogger { return noopLogger{} }

type slogServiceLogger struct {
	inner *slog.Logger
}

func (s *slogServiceLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return s
	}
	return &slogServiceLogger{inner: s.inner.With(toArgs(fields)...)}
}

func (s *slogServiceLogger) Debug(msg string, fields LogFields) {
	s.inner.LogAttrs(context.Background(), slog.LevelDebug, msg, toAttrs(fields)...)
}

func (s *slogServiceLogger) Info(msg string, fields LogFields) {
	s.inner.LogAttrs(context.Background(), slog.LevelInfo, msg, toAttrs(fields)...)
}

func (s *slogServiceLogger) Error(msg string, err error, fields LogFields) {
	attrs := toAttrs(fields)
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	s.inner.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
}

func toAttrs(fields LogFields) []slog.Attr {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]slog.Attr, 0, len(fields))
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}

func toArgs(fields LogFields) []any {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

type noopLogger struct{}

func (noopLogger) With(LogFields) ServiceLogger   { return noopLogger{} }
func (noopLogger) Debug(string, LogFields)        {}
func (noopLogger) Info(string, LogFields)         {}
func (noopLogger) Error(string, error, LogFields) {}
