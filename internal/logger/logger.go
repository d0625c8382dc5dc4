package logger

import (
	"log/slog"
	"os"
	"strings"
	"unicode/utf8"
)

// New creates a slog.Logger with a text handler.
// level can be: "info", "debug", "error". Default is "info".
func New(level string) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	return slog.New(handler)
}

// NewJSON creates a slog.Logger with JSON output.
func NewJSON(level string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// TruncateForLog shortens long free-form text (prompts, answers) before it
// goes into a log attribute, keeping log lines readable.
func TruncateForLog(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	cut := s[:maxLen]
	// Don't cut a rune in half.
	for !utf8.ValidString(cut) && len(cut) > 0 {
		cut = cut[:len(cut)-1]
	}
	return cut + "... [truncated]"
}
