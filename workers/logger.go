package workers

import (
	"context"

	"github.com/sirupsen/logrus"

	"scrape_runs/models"
	"scrape_runs/storage"
)

// LogFunc records an operator-facing log line, optionally scoped to a run.
type LogFunc func(ctx context.Context, runID *int64, level models.LogLevel, source, message string)

// NoOpLogger does nothing (default)
var NoOpLogger LogFunc = func(ctx context.Context, runID *int64, level models.LogLevel, source, message string) {}

// StoreLogFunc writes to the process log and to the run_logs table. A failed
// run_logs insert is only reported to the process log.
func StoreLogFunc(store storage.RunStore, logger *logrus.Logger) LogFunc {
	return func(ctx context.Context, runID *int64, level models.LogLevel, source, message string) {
		entry := logger.WithField("source", source)
		if runID != nil {
			entry = entry.WithField("run_id", *runID)
		}
		switch level {
		case models.LogLevelError:
			entry.Error(message)
		case models.LogLevelWarn:
			entry.Warn(message)
		default:
			entry.Info(message)
		}

		if err := store.Log(ctx, runID, level, message, source); err != nil {
			logger.WithError(err).Warn("Failed to persist run log")
		}
	}
}
