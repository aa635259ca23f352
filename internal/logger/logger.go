// Package logger provides structured logging setup using slog.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// New creates a new structured JSON logger. The level is taken from the
// LOG_LEVEL environment variable (DEBUG, INFO, WARN, ERROR); INFO is the
// default.
func New() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: levelFromEnv(),
	}))
}

func levelFromEnv() slog.Level {
	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// WithJob returns a logger that carries the job ID on every record.
func WithJob(base *slog.Logger, jobID string) *slog.Logger {
	return base.With("job_id", jobID)
}
