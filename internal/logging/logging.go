// Package logging builds the process-wide slog logger. Output format
// follows LOG_FORMAT (text/json) and falls back to text on a terminal,
// JSON otherwise. LOG_LEVEL selects the minimum level (default info).
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// New builds a logger from the LOG_FORMAT and LOG_LEVEL environment
// variables, writing to stdout.
func New() *slog.Logger {
	return slog.New(newHandler(os.Stdout))
}

// SetDefault builds a logger and installs it as the slog default.
func SetDefault() *slog.Logger {
	logger := New()
	slog.SetDefault(logger)
	return logger
}

func newHandler(out io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       levelFromEnv(),
		AddSource:   true,
		ReplaceAttr: trimSource,
	}

	format := os.Getenv("LOG_FORMAT")
	if format == "json" {
		return slog.NewJSONHandler(out, opts)
	}
	if format == "text" {
		return slog.NewTextHandler(out, opts)
	}

	if f, ok := out.(*os.File); ok && isTerminal(f) {
		return slog.NewTextHandler(out, opts)
	}
	return slog.NewJSONHandler(out, opts)
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// trimSource rewrites the source attr so file paths are relative to the
// working directory instead of absolute build paths.
func trimSource(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.SourceKey {
		return a
	}
	src, ok := a.Value.Any().(*slog.Source)
	if !ok {
		return a
	}
	if wd, err := os.Getwd(); err == nil {
		if rel, err := filepath.Rel(wd, src.File); err == nil {
			src.File = rel
			return a
		}
	}
	src.File = filepath.Base(src.File)
	return a
}

func isTerminal(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return stat.Mode()&os.ModeCharDevice != 0
}
