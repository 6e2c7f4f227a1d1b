// Package logging installs the process-wide slog logger
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ParseLevel maps a config level name to a slog level. Unknown names mean
// info.
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

// Setup configures the default logger on stderr. verbose forces debug.
func Setup(level, format string, verbose bool) {
	SetupWriter(os.Stderr, level, format, verbose)
}

// SetupWriter configures the default logger writing to w
func SetupWriter(w io.Writer, level, format string, verbose bool) {
	lvl := ParseLevel(level)
	if verbose {
		lvl = slog.LevelDebug
	}
	slog.SetDefault(slog.New(NewHandler(w, lvl, format)))
}

// NewHandler builds a text or json handler
func NewHandler(w io.Writer, lvl slog.Level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// OpenFile opens dir/name for appending, creating dir. The interactive
// client logs here so log lines do not interleave with chat output.
func OpenFile(dir, name string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}
