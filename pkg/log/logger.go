// Package log provides structured logging for the hylo simulator.
// It wraps log/slog with service metadata and simulator-specific helpers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type ctxKey string

const (
	// RunIDKey carries the scheduler run id through a context
	RunIDKey ctxKey = "run_id"
	// AttemptIDKey carries a discovery attempt id through a context
	AttemptIDKey ctxKey = "attempt_id"
)

// Logger wraps slog.Logger with service context
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// Discard returns a logger that drops everything, for tests
func Discard() *Logger {
	return NewWithWriter(io.Discard, "test", "test", "error", "text")
}

// ParseLevel maps a config string to a slog level, defaulting to info
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

func (l *Logger) derive(logger *slog.Logger) *Logger {
	return &Logger{Logger: logger, service: l.service, version: l.version}
}

// WithContext adds run and attempt ids found in ctx
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger
	if runID := ctx.Value(RunIDKey); runID != nil {
		logger = logger.With("run_id", runID)
	}
	if attemptID := ctx.Value(AttemptIDKey); attemptID != nil {
		logger = logger.With("attempt_id", attemptID)
	}
	return l.derive(logger)
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return l.derive(l.With(fields...))
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithMiner returns a logger scoped to one simulated miner
func (l *Logger) WithMiner(minerID string, hashRate float64) *Logger {
	return l.WithFields("miner_id", minerID, "hash_rate", hashRate)
}

// WithError returns a logger with an error field
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs how long an operation took
func (l *Logger) LogDuration(operation string, d time.Duration) {
	l.Debug("operation completed",
		"operation", operation,
		"duration_ms", float64(d.Nanoseconds())/1e6,
	)
}

// LogDiscovery logs the settlement of one discovery attempt
func (l *Logger) LogDiscovery(minerID string, hashRate float64, status string, latency time.Duration) {
	l.Info("discovery settled",
		"miner_id", minerID,
		"hash_rate", hashRate,
		"status", status,
		"latency_ms", float64(latency.Nanoseconds())/1e6,
	)
}

// LogTick logs a tick summary at debug level; ticks fire every second
func (l *Logger) LogTick(seq int64, rosterSize, winners, dispatched, gated int) {
	l.Debug("tick",
		"seq", seq,
		"roster_size", rosterSize,
		"winners", winners,
		"dispatched", dispatched,
		"gated", gated,
	)
}

// LogRosterRefresh logs a successful registry poll
func (l *Logger) LogRosterRefresh(size int, added, removed int) {
	level := slog.LevelDebug
	if added > 0 || removed > 0 {
		level = slog.LevelInfo
	}
	l.Log(context.Background(), level, "roster refreshed",
		"size", size,
		"added", added,
		"removed", removed,
	)
}
