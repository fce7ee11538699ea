package jobqueue

import (
	"context"
	"log/slog"
)

// Logger is the structured logging surface used throughout the manager and
// its workers. A Manager built by New uses slog.Default(); pass a
// WithLogger option to supply your own.
type Logger interface {
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)
}

// slogLogger adapts *slog.Logger to Logger. It's the default used when no
// Logger is supplied via options.
type slogLogger struct {
	l *slog.Logger
}

func newSlogLogger(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return slogLogger{l: l}
}

func (s slogLogger) InfoContext(ctx context.Context, msg string, args ...any) {
	s.l.InfoContext(ctx, msg, args...)
}

func (s slogLogger) WarnContext(ctx context.Context, msg string, args ...any) {
	s.l.WarnContext(ctx, msg, args...)
}

func (s slogLogger) ErrorContext(ctx context.Context, msg string, args ...any) {
	s.l.ErrorContext(ctx, msg, args...)
}
