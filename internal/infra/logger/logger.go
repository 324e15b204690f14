package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"swarmx/internal/infra/config"
)

// New builds the process logger from cfg. Every record carries the swarm name.
// The returned closer releases the output file, if any.
func New(cfg config.LoggerConfig, swarm string) (*slog.Logger, func() error, error) {
	w, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output %q: %w", cfg.Output, err)
	}
	l := slog.New(newHandler(w, cfg))
	if swarm != "" {
		l = l.With("swarm", swarm)
	}
	return l, closer, nil
}

// NewWriter builds a logger writing to w. The REPL uses it to keep log lines
// off the prompt.
func NewWriter(w io.Writer, cfg config.LoggerConfig) *slog.Logger {
	return slog.New(newHandler(w, cfg))
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Component tags l with the subsystem emitting the record.
func Component(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", name)
}

func newHandler(w io.Writer, cfg config.LoggerConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

func openOutput(output string) (io.Writer, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, noop, nil
	case "stderr", "":
		return os.Stderr, noop, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}
}
