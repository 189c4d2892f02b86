// Package logging provides the application logger.
package logging

import (
	"log/slog"
	"os"
)

// Logger wraps slog with the levelled key/value interface the rest of the
// application consumes.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger writing structured text to stdout.
func NewLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})),
	}
}

// NewJSONLogger creates a Logger writing JSON lines to stdout at the given
// level.
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{
		Logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})),
	}
}
