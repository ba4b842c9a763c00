// Package log provides structured logging for the pool.
// It wraps the standard library's slog package with pool-specific helpers.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a logger writing to stdout.
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	var handler slog.Handler

	logLevel := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// ParseLevel maps a level name to a slog level, defaulting to info.
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

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithSession returns a logger tagged with a Stratum session.
func (l *Logger) WithSession(sessionID, remoteAddr string) *Logger {
	return l.WithFields("session_id", sessionID, "remote_addr", remoteAddr)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID string, height int64) *Logger {
	return l.WithFields("job_id", jobID, "block_height", height)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, d time.Duration) {
	l.Debug("operation completed",
		"operation", operation,
		"duration_ms", float64(d.Nanoseconds())/1e6,
	)
}

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStratumMessage logs Stratum protocol messages (debug level)
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// LogShareResult logs the outcome of one share submission.
func (l *Logger) LogShareResult(worker, jobID string, difficulty float64, status, reason string) {
	attrs := []any{
		"worker_name", worker,
		"job_id", jobID,
		"difficulty", difficulty,
		"status", status,
	}
	if reason != "" {
		attrs = append(attrs, "reason", reason)
		l.Warn("share rejected", attrs...)
		return
	}
	l.Debug("share accepted", attrs...)
}

// LogBlockFound logs when a block is found
func (l *Logger) LogBlockFound(blockHash string, height int64, worker string, accepted bool) {
	l.Info("block found",
		"block_hash", blockHash,
		"block_height", height,
		"worker_name", worker,
		"accepted", accepted,
	)
}

// LogJobDistribution logs job distribution
func (l *Logger) LogJobDistribution(jobID string, height int64, cleanJobs bool, sessions int) {
	l.Info("job distributed",
		"job_id", jobID,
		"block_height", height,
		"clean_jobs", cleanJobs,
		"session_count", sessions,
	)
}

// LogPoolStats logs a pool statistics report.
func (l *Logger) LogPoolStats(msg string, total, valid, invalid, blocks uint64, lastHeight int64, hashrate float64, sessions int) {
	l.Info(msg,
		"shares_total", total,
		"shares_valid", valid,
		"shares_invalid", invalid,
		"blocks_found", blocks,
		"last_block_height", lastHeight,
		"hashrate_hs", hashrate,
		"sessions", sessions,
	)
}
