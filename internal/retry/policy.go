package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/shopagent/internal/store"
)

// defaultBatch bounds how many failed tasks one sweep inspects.
const defaultBatch = 100

// Policy moves failed tasks back to queued while their retry count is
// below MaxAttempts, once the backoff for the next attempt has elapsed
// since the failure.
type Policy struct {
	store       store.Store
	maxAttempts int
	backoff     Backoff
	batch       int
	logger      *slog.Logger
	now         func() time.Time
}

// NewPolicy creates a retry policy. maxAttempts counts failed attempts; a
// task that has failed maxAttempts times stays failed. Zero disables the
// policy. A nil backoff uses DefaultBackoff.
func NewPolicy(s store.Store, maxAttempts int, backoff Backoff, logger *slog.Logger) *Policy {
	if backoff == nil {
		backoff = DefaultBackoff()
	}
	return &Policy{
		store:       s,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		batch:       defaultBatch,
		logger:      logger,
		now:         time.Now,
	}
}

// Enabled reports whether the policy re-queues anything.
func (p *Policy) Enabled() bool {
	return p.maxAttempts > 0
}

// Sweep re-queues every due failed task and returns how many it moved.
func (p *Policy) Sweep(ctx context.Context) (int, error) {
	if !p.Enabled() {
		return 0, nil
	}

	tasks, err := p.store.ListRetryable(ctx, p.maxAttempts, p.batch)
	if err != nil {
		return 0, fmt.Errorf("list retryable tasks: %w", err)
	}

	now := p.now()
	var n int
	for _, t := range tasks {
		if now.Sub(t.UpdatedAt) < p.backoff.Delay(t.RetryCount) {
			continue
		}
		err := p.store.RequeueTask(ctx, t.ID)
		switch {
		case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrNotFound):
			// Requeued by someone else since the listing.
			continue
		case err != nil:
			return n, fmt.Errorf("requeue task %s: %w", t.ID, err)
		}
		n++
		requeuedTotal.Inc()
		p.logger.Info("task requeued", "task_id", t.ID, "action", t.Action, "shop_id", t.ShopID, "retry_count", t.RetryCount)
	}
	return n, nil
}

// Run sweeps every interval until ctx is cancelled.
func (p *Policy) Run(ctx context.Context, interval time.Duration) {
	if !p.Enabled() || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("retry sweep failed", "error", err)
			}
		}
	}
}
