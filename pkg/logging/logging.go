// Package logging provides the default structured logger for robolog
// components. Components never log through a package global; callers build
// a logger here and inject it.
package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Default returns a colorized stderr logger at Info level.
func Default() *slog.Logger {
	return New(slog.LevelInfo)
}

// New returns a colorized stderr logger at the given level.
func New(level slog.Level) *slog.Logger {
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	})
	return slog.New(handler)
}
