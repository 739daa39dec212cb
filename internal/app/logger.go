package app

import (
	"io"
	"log/slog"
	"strings"
)

// newLogger builds the app's isolated slog.Logger. Nothing here touches the
// process-wide default, so two App instances in one binary cannot interfere
// with each other's output. Unknown levels fall back to info.
func newLogger(levelStr, formatStr string, outW io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if levelStr != "" {
		var parsed slog.Level
		if err := parsed.UnmarshalText([]byte(strings.ToUpper(levelStr))); err == nil {
			level = parsed
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	if formatStr == "json" {
		return slog.New(slog.NewJSONHandler(outW, opts))
	}
	return slog.New(slog.NewTextHandler(outW, opts))
}
