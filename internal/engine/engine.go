package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/seantiz/shopagent/internal/action"
	"github.com/seantiz/shopagent/internal/browser"
	"github.com/seantiz/shopagent/internal/model"
	"github.com/seantiz/shopagent/internal/store"
)

// Defaults applied to zero Config fields.
const (
	DefaultPollInterval   = 2 * time.Second
	DefaultActionTimeout  = 2 * time.Minute
	DefaultSessionTimeout = 30 * time.Second
)

// Sessions hands out exclusive per-shop browser sessions.
type Sessions interface {
	Acquire(ctx context.Context, shopID string) (*browser.Session, error)
	Release(s *browser.Session)
}

// Config holds engine settings.
type Config struct {
	WorkerID       string
	PollInterval   time.Duration
	ActionTimeout  time.Duration
	SessionTimeout time.Duration

	// Catalog supplies locator tables. Sites maps shop IDs to site codes;
	// shops not listed use DefaultSite.
	Catalog     *action.Catalog
	Sites       map[string]string
	DefaultSite string
}

func (c *Config) applyDefaults() {
	if c.WorkerID == "" {
		c.WorkerID = model.NewWorkerID()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = DefaultActionTimeout
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.Catalog == nil {
		c.Catalog = action.NewCatalog()
	}
	if c.DefaultSite == "" {
		c.DefaultSite = action.DefaultSite
	}
}

// Engine claims tasks one at a time and executes them.
type Engine struct {
	store    store.Store
	registry *action.Registry
	sessions Sessions
	evidence Evidence
	cfg      Config
	logger   *slog.Logger
	broker   *EventBroker
	tracer   trace.Tracer
}

// NewEngine creates a new execution engine. evidence may be nil, in which
// case handlers run without a recorder.
func NewEngine(s store.Store, reg *action.Registry, sessions Sessions, evidence Evidence, cfg Config, logger *slog.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		store:    s,
		registry: reg,
		sessions: sessions,
		evidence: evidence,
		cfg:      cfg,
		logger:   logger.With("worker_id", cfg.WorkerID),
		broker:   NewEventBroker(),
		tracer:   otel.Tracer("github.com/seantiz/shopagent/internal/engine"),
	}
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// WorkerID returns the identifier recorded on every run of this engine.
func (e *Engine) WorkerID() string {
	return e.cfg.WorkerID
}

// Run processes tasks until ctx is cancelled. When the queue is empty or a
// claim fails it sleeps for the poll interval, waking early on a queue
// notification if the store provides them.
func (e *Engine) Run(ctx context.Context) error {
	var wake <-chan struct{}
	if n, ok := e.store.(store.Notifier); ok {
		wake = n.Notify()
	}

	e.logger.Info("engine started", "poll_interval", e.cfg.PollInterval.String())
	defer e.logger.Info("engine stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		processed, err := e.ProcessNext(ctx)
		if err != nil && !processed {
			e.logger.Error("claim failed", "error", err)
		}
		if processed {
			continue
		}

		timer := time.NewTimer(e.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// ProcessNext claims and executes one task. It reports false when the
// queue was empty or the claim failed, and claims nothing once ctx is
// done. A non-nil error is always a StoreError Failure; handler and
// session failures are recorded in the ledger, not returned.
func (e *Engine) ProcessNext(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	task, err := e.store.ClaimNext(ctx)
	if errors.Is(err, store.ErrQueueEmpty) {
		return false, nil
	}
	if err != nil {
		failuresTotal.WithLabelValues(string(KindStoreError)).Inc()
		return false, &Failure{Kind: KindStoreError, Err: fmt.Errorf("claim next task: %w", err)}
	}
	return true, e.attempt(ctx, task)
}

// attempt drives one claimed task to a finalized state.
func (e *Engine) attempt(ctx context.Context, task *model.Task) error {
	ctx, span := e.tracer.Start(ctx, "shopagent.attempt", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.action", task.Action),
		attribute.String("shop.id", task.ShopID),
		attribute.Bool("task.dry_run", task.DryRun),
	))
	defer span.End()

	logger := e.logger.With("task_id", task.ID, "shop_id", task.ShopID, "action", task.Action)
	logger.Info("task claimed", "priority", task.Priority, "retry_count", task.RetryCount, "dry_run", task.DryRun)

	e.broker.Publish(Event{Type: EventClaimed, TaskID: task.ID, WorkerID: e.cfg.WorkerID})
	defer e.broker.Close(task.ID)

	// Ledger writes must land even if the worker is shutting down.
	ledgerCtx := context.WithoutCancel(ctx)

	h, ok := e.registry.Lookup(task.Action)
	if !ok {
		return e.reject(ledgerCtx, span, logger, task, &Failure{
			Kind: KindUnknownAction,
			Err:  fmt.Errorf("action %q is not registered", task.Action),
		})
	}

	if task.PayloadError != "" {
		return e.reject(ledgerCtx, span, logger, task, &Failure{
			Kind: KindInvalidPayload,
			Err:  errors.New(task.PayloadError),
		})
	}
	params, err := h.Decode(task.Payload)
	if err != nil {
		return e.reject(ledgerCtx, span, logger, task, &Failure{Kind: KindInvalidPayload, Err: err})
	}

	acquireCtx, cancel := context.WithTimeout(ctx, e.cfg.SessionTimeout)
	sess, err := e.sessions.Acquire(acquireCtx, task.ShopID)
	cancel()
	if err != nil {
		return e.reject(ledgerCtx, span, logger, task, &Failure{Kind: KindSessionAcquire, Err: err})
	}
	defer e.sessions.Release(sess)

	run, err := e.store.CreateRun(ledgerCtx, task.ID, e.cfg.WorkerID)
	if err != nil {
		return e.storeFailure(span, logger, "create run", err)
	}
	logger = logger.With("run_id", run.ID)
	span.SetAttributes(attribute.String("run.id", run.ID))
	e.broker.Publish(Event{Type: EventRunStarted, TaskID: task.ID, RunID: run.ID, WorkerID: e.cfg.WorkerID})

	env := action.Env{
		Session:  sess,
		DryRun:   task.DryRun,
		Locators: e.locators(task.ShopID),
		Logger:   logger,
	}
	var rec *runRecorder
	if e.evidence != nil {
		rec = &runRecorder{
			taskID: task.ID,
			runID:  run.ID,
			driver: sess,
			files:  e.evidence,
			store:  e.store,
			broker: e.broker,
			logger: logger,
		}
		env.Evidence = rec
	}

	timeout := h.Timeout()
	if timeout <= 0 {
		timeout = e.cfg.ActionTimeout
	}

	result, failure := e.execute(ctx, h, env, params, timeout)
	if rec != nil {
		rec.seal()
	}
	runDuration.WithLabelValues(task.Action).Observe(time.Since(run.StartAt).Seconds())

	if failure != nil {
		var perr *panicError
		if failure.Kind == KindHandlerTimeout || errors.As(failure.Err, &perr) {
			sess.Discard()
		}
		if err := e.store.FinishRun(ledgerCtx, run.ID, nil, failure.Error()); err != nil {
			return e.storeFailure(span, logger, "finish run", err)
		}
		return e.finalize(ledgerCtx, span, logger, task, run.ID, failure)
	}

	if result == nil {
		result = map[string]any{}
	}
	if err := e.store.FinishRun(ledgerCtx, run.ID, result, ""); err != nil {
		return e.storeFailure(span, logger, "finish run", err)
	}
	return e.finalize(ledgerCtx, span, logger, task, run.ID, nil)
}

// execute runs the handler in its own goroutine under timeout. A handler
// that overruns is abandoned; its context is cancelled and its session is
// discarded by the caller.
func (e *Engine) execute(ctx context.Context, h action.Handler, env action.Env, params any, timeout time.Duration) (map[string]any, *Failure) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if v := recover(); v != nil {
				done <- outcome{err: &panicError{value: v}}
			}
		}()
		res, err := h.Execute(ctx, env, params)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err == nil {
			return o.result, nil
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Failure{Kind: KindHandlerTimeout, Err: fmt.Errorf("action exceeded %s: %w", timeout, o.err)}
		}
		return nil, &Failure{Kind: KindHandlerExecution, Err: o.err}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Failure{Kind: KindHandlerTimeout, Err: fmt.Errorf("action exceeded %s", timeout)}
		}
		return nil, &Failure{Kind: KindHandlerExecution, Err: fmt.Errorf("attempt interrupted: %w", ctx.Err())}
	}
}

// reject finalizes a task that failed before a run was created.
func (e *Engine) reject(ctx context.Context, span trace.Span, logger *slog.Logger, task *model.Task, f *Failure) error {
	return e.finalize(ctx, span, logger, task, "", f)
}

func (e *Engine) finalize(ctx context.Context, span trace.Span, logger *slog.Logger, task *model.Task, runID string, f *Failure) error {
	status, errMsg := model.StatusSuccess, ""
	if f != nil {
		status, errMsg = model.StatusFailed, f.Error()
	}

	if err := e.store.FinalizeTask(ctx, task.ID, status, errMsg); err != nil {
		return e.storeFailure(span, logger, "finalize task", err)
	}

	tasksTotal.WithLabelValues(task.Action, status).Inc()
	e.broker.Publish(Event{
		Type:     EventFinished,
		TaskID:   task.ID,
		RunID:    runID,
		WorkerID: e.cfg.WorkerID,
		Status:   status,
		Error:    errMsg,
	})

	if f != nil {
		failuresTotal.WithLabelValues(string(f.Kind)).Inc()
		span.SetStatus(codes.Error, errMsg)
		logger.Warn("task failed", "kind", string(f.Kind), "error", f.Err)
		return nil
	}
	span.SetStatus(codes.Ok, "")
	logger.Info("task succeeded")
	return nil
}

// storeFailure reports a ledger write that failed after the claim. The
// task stays running and is not re-claimed; the watchdog surfaces it.
func (e *Engine) storeFailure(span trace.Span, logger *slog.Logger, op string, err error) error {
	f := &Failure{Kind: KindStoreError, Err: fmt.Errorf("%s: %w", op, err)}
	storeFailuresTotal.Inc()
	failuresTotal.WithLabelValues(string(KindStoreError)).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, f.Error())
	logger.Error("ledger write failed, task left running", "alert", "stuck_task", "op", op, "error", err)
	return f
}

func (e *Engine) locators(shopID string) *action.Locators {
	site := e.cfg.Sites[shopID]
	if site == "" {
		site = e.cfg.DefaultSite
	}
	return e.cfg.Catalog.For(site)
}
