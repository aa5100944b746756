package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/shellpipe/internal/infrastructure/config"
)

// ServiceName is attached to every log entry.
const ServiceName = "shellpipe"

// Logger wraps slog.Logger with shellpipe's default fields.
//
// All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger
	closer io.Closer
}

// New creates a Logger from cfg. Output "stdout" (default), "stderr" or
// "file" (cfg.File.Path, appended) selects the destination; format "json"
// (default) or "text" selects the handler. If the log file cannot be
// opened the logger falls back to stderr and says so.
func New(cfg config.LoggingConfig, version string) *Logger {
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		return NewWithWriter(cfg, version, os.Stderr)
	case "file":
		f, err := os.OpenFile(cfg.File.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) //nolint:gosec // path from operator config
		if err != nil {
			l := NewWithWriter(cfg, version, os.Stderr)
			l.Warn("cannot open log file, logging to stderr", "path", cfg.File.Path, "error", err)
			return l
		}
		l := NewWithWriter(cfg, version, f)
		l.closer = f
		return l
	default:
		return NewWithWriter(cfg, version, os.Stdout)
	}
}

// NewWithWriter creates a Logger that writes to w.
func NewWithWriter(cfg config.LoggingConfig, version string, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", ServiceName),
		slog.String("version", version),
	})

	return &Logger{
		Logger: slog.New(handler),
	}
}

// parseLevel converts a string log level to slog.Level.
// Unrecognised values select info.
func parseLevel(level string) slog.Level {
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

// With returns a new Logger with additional default attributes.
//
//	shellLogger := logger.With("component", "shell")
//	shellLogger.Info("started") // Includes component=shell
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
	}
}

// Close releases the log file, if any. Loggers derived with With share
// the file and must not be used afterwards.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	if err := l.closer.Close(); err != nil {
		return fmt.Errorf("closing log file: %w", err)
	}
	return nil
}

// Default creates a logger for use before configuration is loaded.
// It writes JSON at info level to stdout.
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, "dev")
}
