package kestrel

import (
	"context"
	"log/slog"
)

// Logger defines the logging interface used across kestrel.
// Args are alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// noopLogger is a no-op logger implementation.
type noopLogger struct{}

func (l *noopLogger) Debug(msg string, args ...interface{}) {}
func (l *noopLogger) Info(msg string, args ...interface{})  {}
func (l *noopLogger) Warn(msg string, args ...interface{})  {}
func (l *noopLogger) Error(msg string, args ...interface{}) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger {
	return &noopLogger{}
}

type slogLogger struct {
	l *slog.Logger
}

// NewSlogLogger adapts a *slog.Logger. A nil logger uses slog.Default().
func NewSlogLogger(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return &slogLogger{l: l}
}

func (s *slogLogger) Debug(msg string, args ...interface{}) {
	s.l.Log(context.Background(), slog.LevelDebug, msg, args...)
}

func (s *slogLogger) Info(msg string, args ...interface{}) {
	s.l.Log(context.Background(), slog.LevelInfo, msg, args...)
}

func (s *slogLogger) Warn(msg string, args ...interface{}) {
	s.l.Log(context.Background(), slog.LevelWarn, msg, args...)
}

func (s *slogLogger) Error(msg string, args ...interface{}) {
	s.l.Log(context.Background(), slog.LevelError, msg, args...)
}
