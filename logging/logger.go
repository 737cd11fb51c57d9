// Package logging defines the structured logger used across the host and
// the helpers to build and scope it.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Logger defines the interface for host and module logging.
// Messages carry key-value pairs:
//
//	logger.Info("Module loaded", "module", "audit", "version", "1.2.0")
//
// *slog.Logger satisfies this interface directly.
type Logger interface {
	// Info logs normal lifecycle events such as a module being loaded.
	Info(msg string, args ...any)

	// Error logs failures that were recovered but should be noted.
	Error(msg string, args ...any)

	// Warn logs unusual conditions, e.g. a module directory that was skipped.
	Warn(msg string, args ...any)

	// Debug logs diagnostic detail such as cache hits and config reads.
	Debug(msg string, args ...any)
}

// Config selects the level and output format of the default logger.
type Config struct {
	Level  string `yaml:"level" toml:"level" env:"LEVEL"`
	Format string `yaml:"format" toml:"format" env:"FORMAT"`
}

// New builds a *slog.Logger writing to w according to cfg.
func New(cfg Config, w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, cfg.Format)
	}
}

// ParseLevel maps a level name to its slog level. An empty name is info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: %q", ErrUnknownLevel, name)
	}
}

// With returns a logger that prepends args to every call.
func With(logger Logger, args ...any) Logger {
	if logger == nil {
		logger = Nop()
	}
	if len(args) == 0 {
		return logger
	}
	if sl, ok := logger.(*slog.Logger); ok {
		return sl.With(args...)
	}
	return &scopedLogger{base: logger, fields: args}
}

type scopedLogger struct {
	base   Logger
	fields []any
}

func (l *scopedLogger) merge(args []any) []any {
	merged := make([]any, 0, len(l.fields)+len(args))
	merged = append(merged, l.fields...)
	return append(merged, args...)
}

func (l *scopedLogger) Info(msg string, args ...any)  { l.base.Info(msg, l.merge(args)...) }
func (l *scopedLogger) Error(msg string, args ...any) { l.base.Error(msg, l.merge(args)...) }
func (l *scopedLogger) Warn(msg string, args ...any)  { l.base.Warn(msg, l.merge(args)...) }
func (l *scopedLogger) Debug(msg string, args ...any) { l.base.Debug(msg, l.merge(args)...) }

// Nop returns a logger that discards everything.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}
