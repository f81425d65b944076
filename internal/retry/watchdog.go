package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/shopagent/internal/model"
	"github.com/seantiz/shopagent/internal/store"
)

// Watchdog reports tasks left running longer than a threshold, typically
// after a ledger write failed mid-attempt or a worker died. It never
// changes them; an operator decides what to do.
type Watchdog struct {
	store      store.Store
	stuckAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewWatchdog creates a watchdog for tasks running longer than stuckAfter.
func NewWatchdog(s store.Store, stuckAfter time.Duration, logger *slog.Logger) *Watchdog {
	return &Watchdog{store: s, stuckAfter: stuckAfter, logger: logger, now: time.Now}
}

// Check returns the stuck tasks and logs each one.
func (w *Watchdog) Check(ctx context.Context) ([]*model.Task, error) {
	tasks, err := w.store.ListStuck(ctx, w.now().Add(-w.stuckAfter))
	if err != nil {
		return nil, fmt.Errorf("list stuck tasks: %w", err)
	}
	stuckTasks.Set(float64(len(tasks)))
	for _, t := range tasks {
		w.logger.Error("task stuck in running",
			"alert", "stuck_task",
			"task_id", t.ID,
			"shop_id", t.ShopID,
			"action", t.Action,
			"since", t.UpdatedAt,
		)
	}
	return tasks, nil
}

// Run checks every interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context, interval time.Duration) {
	if w.stuckAfter <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Check(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("stuck task check failed", "error", err)
			}
		}
	}
}
