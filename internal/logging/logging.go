// Package logging provides structured logging for the tally daemon.
//
// This package wraps the standard library's log/slog package to provide
// consistent logging across all components. It supports text and JSON
// output, configurable levels, optional rotated log files, and
// component-based loggers.
//
// Usage:
//
//	// Initialize at startup
//	logging.Init(slog.LevelInfo, false)
//
//	// Per-package component logger
//	var log = logging.Component("aggregate")
//	log.Info("flush complete", "granularity", g, "rows", n)
//
// Component loggers are usually created during package initialization,
// before main has parsed its configuration. They write through a shared
// handler that is swapped by Init, so a later Init still reaches them.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the global logger instance.
var Logger *slog.Logger

var current atomic.Pointer[slog.Handler]

func init() {
	Init(slog.LevelInfo, false)
}

// Options configures the global logger.
type Options struct {
	Level slog.Level
	JSON  bool

	// File enables rotated file output in addition to stdout.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	InitWithOptions(Options{Level: level, JSON: jsonFormat})
}

// InitWithOptions initializes the global logger. When opts.File is set the
// output is duplicated into a lumberjack-rotated file. The returned closer
// releases the file and is a no-op otherwise.
func InitWithOptions(opts Options) io.Closer {
	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}

	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		out = io.MultiWriter(os.Stdout, rotator)
		closer = rotator
	}

	hopts := &slog.HandlerOptions{
		Level:     opts.Level,
		AddSource: opts.Level == slog.LevelDebug,
	}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(out, hopts)
	} else {
		handler = slog.NewTextHandler(out, hopts)
	}

	InitWithHandler(handler)
	return closer
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	current.Store(&handler)
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// ParseLevel maps a config string to a slog level. Unknown values are info.
func ParseLevel(s string) slog.Level {
	switch s {
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

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
//
// Example:
//
//	log := logging.Component("executor")
//	log.Info("started") // Output: time=... level=INFO component=executor msg=started
func Component(name string) *slog.Logger {
	return slog.New(&deferred{}).With("component", name)
}

// With returns a new logger with additional attributes.
func With(args ...any) *slog.Logger {
	return slog.New(&deferred{}).With(args...)
}

// =============================================================================
// Deferred handler
// =============================================================================

// deferred resolves the global handler on every call and replays the
// attributes and groups collected through WithAttrs/WithGroup.
type deferred struct {
	ops []func(slog.Handler) slog.Handler
}

func (d *deferred) resolve() slog.Handler {
	h := *current.Load()
	for _, op := range d.ops {
		h = op(h)
	}
	return h
}

func (d *deferred) Enabled(ctx context.Context, level slog.Level) bool {
	return (*current.Load()).Enabled(ctx, level)
}

func (d *deferred) Handle(ctx context.Context, r slog.Record) error {
	return d.resolve().Handle(ctx, r)
}

func (d *deferred) WithAttrs(attrs []slog.Attr) slog.Handler {
	return d.with(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (d *deferred) WithGroup(name string) slog.Handler {
	return d.with(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (d *deferred) with(op func(slog.Handler) slog.Handler) *deferred {
	ops := make([]func(slog.Handler) slog.Handler, len(d.ops), len(d.ops)+1)
	copy(ops, d.ops)
	return &deferred{ops: append(ops, op)}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// =============================================================================
// Convenience Functions
// =============================================================================

// Debug logs at debug level.
func Debug(msg string, args ...any) { Logger.Debug(msg, args...) }

// Info logs at info level.
func Info(msg string, args ...any) { Logger.Info(msg, args...) }

// Warn logs at warning level.
func Warn(msg string, args ...any) { Logger.Warn(msg, args...) }

// Error logs at error level.
func Error(msg string, args ...any) { Logger.Error(msg, args...) }
