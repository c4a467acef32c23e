// Package logging wraps slog with the text/JSON handler choice harborctl's
// daemon and CLI both need, plus a Named helper for per-subsystem loggers.
package logging

import (
	"log/slog"
	"os"
)

// Logger wraps slog for structured logging.
type Logger struct {
	*slog.Logger
}

// New creates a Logger that outputs text or JSON depending on config.
func New(jsonMode bool) *Logger {
	var handler slog.Handler
	if jsonMode {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	return &Logger{slog.New(handler)}
}

// Named returns a child Logger that tags every line with a "component"
// field, so log output from the scheduler, compose engine, and autoupdate
// pipeline can be told apart without three separate handlers.
func (l *Logger) Named(component string) *Logger {
	return &Logger{l.Logger.With("component", component)}
}
