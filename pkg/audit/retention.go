package audit

import (
	"context"
	"log/slog"
	"time"
)

// RetentionWorker purges expired request events on a fixed interval. Run
// it on one replica only; the server starts it from leader election.
type RetentionWorker struct {
	store    *Store
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewRetentionWorker keeps request events for retentionDays and sweeps
// once a day. retentionDays <= 0 disables the worker.
func NewRetentionWorker(store *Store, retentionDays int, logger *slog.Logger) *RetentionWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionWorker{
		store:    store,
		maxAge:   time.Duration(retentionDays) * 24 * time.Hour,
		interval: 24 * time.Hour,
		now:      time.Now,
		logger:   logger,
	}
}

// Run sweeps immediately and then every interval until ctx is done.
func (w *RetentionWorker) Run(ctx context.Context) {
	if w.store == nil || w.maxAge <= 0 {
		w.logger.Info("audit retention disabled", "retentionDays", w.retentionDays())
		return
	}

	w.logger.Info("audit retention running",
		"retentionDays", w.retentionDays(),
		"interval", w.interval)
	w.sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *RetentionWorker) retentionDays() int {
	return int(w.maxAge / (24 * time.Hour))
}

// sweep runs one purge and returns the number of events removed.
func (w *RetentionWorker) sweep(ctx context.Context) int64 {
	cutoff := w.now().UTC().Add(-w.maxAge)
	n, err := w.store.PurgeRequestsBefore(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("audit retention sweep failed", "error", err)
		}
		return 0
	}
	if n > 0 {
		w.logger.Info("purged audit request events", "count", n, "before", cutoff.Format(time.RFC3339))
	}
	return n
}
