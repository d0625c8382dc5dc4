package testhelpers

import (
	"io"
	"log/slog"
)

// NewTestLogger creates a logger that discards all output for testing.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}
