// Package logging builds the structured loggers used across tablewatch.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a config level name to a slog level. Unknown names are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a new structured logger
func NewLogger(format string, level string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// WithRecipe returns a logger with the recipe name attached
func WithRecipe(logger *slog.Logger, recipeName string) *slog.Logger {
	return logger.With("recipe", recipeName)
}

// Open builds a logger writing to stderr and, when path is set, to a rotating
// file. The returned closer releases the file.
func Open(format, level, path string, maxSizeMB int) (*slog.Logger, io.Closer, error) {
	if path == "" {
		return NewLogger(format, level, os.Stderr), io.NopCloser(nil), nil
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	rw, err := NewRotatingWriter(path, int64(maxSizeMB)*1024*1024)
	if err != nil {
		return nil, nil, err
	}
	return NewLogger(format, level, io.MultiWriter(os.Stderr, rw)), rw, nil
}
