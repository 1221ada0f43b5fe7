package database

import (
	"context"
	"log/slog"
	"time"
)

// PruneHistory deletes call records older than maxDays. A maxDays of 0
// keeps everything.
func PruneHistory(ctx context.Context, repo *HistoryRepository, maxDays int, now time.Time) (int64, error) {
	if maxDays <= 0 {
		return 0, nil
	}
	return repo.DeleteBefore(ctx, now.AddDate(0, 0, -maxDays))
}

// StartRetentionTicker runs a background goroutine that prunes call history
// older than maxDays every interval. If maxDays is 0 no goroutine is started.
// The goroutine stops when ctx is cancelled.
func StartRetentionTicker(ctx context.Context, repo *HistoryRepository, maxDays int, interval time.Duration, logger *slog.Logger) {
	if maxDays <= 0 {
		return
	}
	logger = logger.With("subsystem", "history")

	prune := func() {
		n, err := PruneHistory(ctx, repo, maxDays, time.Now())
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("call history retention cleanup failed", "error", err)
			}
			return
		}
		if n > 0 {
			logger.Info("call history retention cleanup", "deleted", n, "max_days", maxDays)
		}
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prune()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				prune()
			}
		}
	}()
}
