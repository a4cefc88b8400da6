package config

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger builds the process logger from cfg: text on stderr and, when
// cfg.LogFile is set, JSON appended to that file. Every record carries the
// service name. The returned func closes the log file.
func SetupLogger(cfg Config, service string) (*slog.Logger, func() error) {
	if cfg.LogFile == "" {
		return NewLogger(os.Stderr, nil, cfg.LogLevel).With("service", service), func() error { return nil }
	}

	file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := NewLogger(os.Stderr, nil, cfg.LogLevel).With("service", service)
		logger.Warn("log file unavailable, logging to stderr only", "file", cfg.LogFile, "error", err)
		return logger, func() error { return nil }
	}

	return NewLogger(os.Stderr, file, cfg.LogLevel).With("service", service), file.Close
}

// NewLogger fans out to a text handler on stderr and a JSON handler on file.
// A nil file gives a stderr-only logger.
func NewLogger(stderr, file io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	stderrHandler := slog.NewTextHandler(stderr, opts)
	if file == nil {
		return slog.New(stderrHandler)
	}
	return slog.New(slogmulti.Fanout(stderrHandler, slog.NewJSONHandler(file, opts)))
}
