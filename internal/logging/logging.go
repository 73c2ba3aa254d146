package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format is the log output format
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Config for New. Writer defaults to os.Stdout.
type Config struct {
	Level     string
	Format    string
	AddSource bool
	Writer    io.Writer
}

// New builds the process logger
func New(cfg Config) (*slog.Logger, error) {
	level, ok := levels[strings.ToLower(strings.TrimSpace(cfg.Level))]
	if !ok {
		if cfg.Level != "" {
			return nil, fmt.Errorf("invalid log level %q", cfg.Level)
		}
		level = slog.LevelInfo
	}

	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch Format(strings.ToLower(cfg.Format)) {
	case FormatText:
		handler = slog.NewTextHandler(writer, opts)
	case FormatJSON, "":
		handler = slog.NewJSONHandler(writer, opts)
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	return slog.New(handler).With("service", "resilience"), nil
}
