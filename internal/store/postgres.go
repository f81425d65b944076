package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/seantiz/shopagent/internal/model"
)

// QueueChannel is the LISTEN/NOTIFY channel signalled whenever a task
// enters the queued status.
const QueueChannel = "agent_tasks_queued"

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS agent_tasks (
    id          UUID PRIMARY KEY,
    shop_id     TEXT NOT NULL,
    action      TEXT NOT NULL,
    payload     JSONB NOT NULL DEFAULT '{}',
    status      TEXT NOT NULL CHECK (status IN ('queued', 'running', 'success', 'failed')),
    priority    INTEGER NOT NULL DEFAULT 5,
    dry_run     BOOLEAN NOT NULL DEFAULT FALSE,
    error       TEXT NOT NULL DEFAULT '',
    retry_count INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_tasks_status ON agent_tasks (status)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_tasks_claim ON agent_tasks (priority DESC, created_at) WHERE status = 'queued'`,
	`CREATE TABLE IF NOT EXISTS agent_runs (
    id        UUID PRIMARY KEY,
    task_id   UUID NOT NULL REFERENCES agent_tasks (id),
    worker_id TEXT NOT NULL,
    start_at  TIMESTAMPTZ NOT NULL,
    end_at    TIMESTAMPTZ,
    result    JSONB,
    error     TEXT NOT NULL DEFAULT ''
)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_runs_task ON agent_runs (task_id)`,
	`CREATE TABLE IF NOT EXISTS agent_artifacts (
    id         UUID PRIMARY KEY,
    run_id     UUID NOT NULL REFERENCES agent_runs (id),
    type       TEXT NOT NULL,
    url        TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_artifacts_run ON agent_artifacts (run_id)`,
	`CREATE OR REPLACE FUNCTION agent_tasks_notify() RETURNS trigger AS $$
BEGIN
    IF NEW.status = 'queued' THEN
        PERFORM pg_notify('` + QueueChannel + `', NEW.id::text);
    END IF;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql`,
	`CREATE OR REPLACE TRIGGER agent_tasks_queued
    AFTER INSERT OR UPDATE OF status ON agent_tasks
    FOR EACH ROW EXECUTE FUNCTION agent_tasks_notify()`,
}

// Compile-time interface satisfaction checks.
var (
	_ Store    = (*PostgresStore)(nil)
	_ Notifier = (*PostgresStore)(nil)
)

// PostgresStore implements Store on PostgreSQL. Claims use
// FOR UPDATE SKIP LOCKED so competing workers never block each other, and
// a LISTEN connection wakes idle workers as soon as a task is queued.
type PostgresStore struct {
	db       *sql.DB
	listener *pq.Listener
	notify   chan struct{}
	done     chan struct{}
	logger   *slog.Logger
}

// NewPostgresStore connects to connStr, runs migrations and starts listening
// on QueueChannel.
func NewPostgresStore(ctx context.Context, connStr string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	for _, stmt := range postgresSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("queue listener problem", "event", int(ev), "error", err)
		}
	}
	listener := pq.NewListener(connStr, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(QueueChannel); err != nil {
		listener.Close()
		db.Close()
		return nil, fmt.Errorf("listen %s: %w", QueueChannel, err)
	}

	s := &PostgresStore{
		db:       db,
		listener: listener,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go s.forward()

	return s, nil
}

// forward coalesces listener notifications into a single pending wakeup.
// A nil notification (reconnect) also wakes the worker, since events may
// have been missed while disconnected.
func (s *PostgresStore) forward() {
	for {
		select {
		case <-s.done:
			return
		case _, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			select {
			case s.notify <- struct{}{}:
			default:
			}
		}
	}
}

// Notify returns a channel that receives a value when a task may have been queued.
func (s *PostgresStore) Notify() <-chan struct{} {
	return s.notify
}

// Ping checks that the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the listener and closes the database pool.
func (s *PostgresStore) Close() error {
	close(s.done)
	lerr := s.listener.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return lerr
}

// ClaimNext claims the highest-priority queued task, oldest first. Like the
// SQLite store it ignores cancellation of ctx once the claim is issued.
func (s *PostgresStore) ClaimNext(ctx context.Context) (*model.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(context.WithoutCancel(ctx),
		`UPDATE agent_tasks SET status = $1, updated_at = now()
		WHERE id = (
			SELECT id FROM agent_tasks
			WHERE status = $2
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns,
		model.StatusRunning, model.StatusQueued,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return t, nil
}

// CreateRun opens a run for taskID with start_at set to now.
func (s *PostgresStore) CreateRun(ctx context.Context, taskID, workerID string) (*model.Run, error) {
	if _, err := uuid.Parse(taskID); err != nil {
		return nil, ErrNotFound
	}
	r := &model.Run{
		ID:       model.NewID(),
		TaskID:   taskID,
		WorkerID: workerID,
		StartAt:  time.Now().UTC(),
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_runs (id, task_id, worker_id, start_at)
		SELECT $1::uuid, $2::uuid, $3, $4::timestamptz
		WHERE EXISTS (SELECT 1 FROM agent_tasks WHERE id = $2::uuid)`,
		r.ID, r.TaskID, r.WorkerID, r.StartAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	if err := expectOneRow(res, ErrNotFound); err != nil {
		return nil, err
	}
	return r, nil
}

// FinishRun closes an open run with exactly one of result or errMsg.
func (s *PostgresStore) FinishRun(ctx context.Context, runID string, result map[string]any, errMsg string) error {
	if err := checkOutcome(result, errMsg); err != nil {
		return err
	}
	if _, err := uuid.Parse(runID); err != nil {
		return ErrNotFound
	}
	encoded, err := encodeResult(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_runs SET end_at = now(), result = $1::jsonb, error = $2
		WHERE id = $3 AND end_at IS NULL`,
		encoded, errMsg, runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if err := expectOneRow(res, nil); err == nil {
		return nil
	}
	return s.runMissOrClosed(ctx, runID)
}

// CreateArtifact appends an artifact to an open run.
func (s *PostgresStore) CreateArtifact(ctx context.Context, runID, typ, url string) (*model.Artifact, error) {
	if _, err := uuid.Parse(runID); err != nil {
		return nil, ErrNotFound
	}
	a := &model.Artifact{
		ID:        model.NewID(),
		RunID:     runID,
		Type:      typ,
		URL:       url,
		CreatedAt: time.Now().UTC(),
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_artifacts (id, run_id, type, url, created_at)
		SELECT $1::uuid, $2::uuid, $3, $4, $5::timestamptz
		WHERE EXISTS (SELECT 1 FROM agent_runs WHERE id = $2::uuid AND end_at IS NULL)`,
		a.ID, a.RunID, a.Type, a.URL, a.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert artifact: %w", err)
	}
	if err := expectOneRow(res, nil); err != nil {
		return nil, s.runMissOrClosed(ctx, runID)
	}
	return a, nil
}

// FinalizeTask moves a running task to a terminal status.
func (s *PostgresStore) FinalizeTask(ctx context.Context, taskID, status, errMsg string) error {
	if !model.ValidTransition(model.StatusRunning, status) {
		return fmt.Errorf("finalize to %q: %w", status, ErrInvalidTransition)
	}
	if _, err := uuid.Parse(taskID); err != nil {
		return ErrNotFound
	}
	increment := 0
	if status == model.StatusFailed {
		increment = 1
	} else {
		errMsg = ""
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_tasks SET status = $1, error = $2, retry_count = retry_count + $3, updated_at = now()
		WHERE id = $4 AND status = $5`,
		status, errMsg, increment, taskID, model.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("finalize task: %w", err)
	}
	if err := expectOneRow(res, nil); err == nil {
		return nil
	}
	return s.taskMissOrTransition(ctx, taskID)
}

// CreateTask inserts a new queued task.
func (s *PostgresStore) CreateTask(ctx context.Context, t *model.Task) error {
	newTaskDefaults(t, time.Now().UTC())
	payload, err := encodeJSON(t.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.ShopID, t.Action, payload, t.Status, t.Priority, t.DryRun,
		t.Error, t.RetryCount, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *PostgresStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks WHERE id = $1`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns a page of tasks ordered by created_at DESC, along with the
// total count matching the filter.
func (s *PostgresStore) ListTasks(ctx context.Context, f TaskFilter) ([]*model.Task, int, error) {
	where, args := taskWhere(f, func(n int) string { return "$" + strconv.Itoa(n) })

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM agent_tasks"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	var limit any
	if f.Limit > 0 {
		limit = f.Limit
	}
	n := len(args)
	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks`+where+
			` ORDER BY created_at DESC LIMIT $`+strconv.Itoa(n+1)+` OFFSET $`+strconv.Itoa(n+2),
		append(args, limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks, err := collect(rows, scanTask)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, total, nil
}

// GetRun retrieves a run by ID.
func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE id = $1`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// GetArtifact retrieves an artifact by ID.
func (s *PostgresStore) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	a, err := scanArtifact(s.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM agent_artifacts WHERE id = $1`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return a, nil
}

// ListRuns returns the runs of a task ordered by start_at.
func (s *PostgresStore) ListRuns(ctx context.Context, taskID string) ([]*model.Run, error) {
	if _, err := uuid.Parse(taskID); err != nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE task_id = $1 ORDER BY start_at ASC`, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs, err := collect(rows, scanRun)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// ListArtifacts returns the artifacts of a run in capture order.
func (s *PostgresStore) ListArtifacts(ctx context.Context, runID string) ([]*model.Artifact, error) {
	if _, err := uuid.Parse(runID); err != nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM agent_artifacts WHERE run_id = $1 ORDER BY created_at ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	artifacts, err := collect(rows, scanArtifact)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return artifacts, nil
}

// RequeueTask moves a failed task back to queued. The status trigger
// notifies listening workers.
func (s *PostgresStore) RequeueTask(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE agent_tasks SET status = $1, updated_at = now() WHERE id = $2 AND status = $3",
		model.StatusQueued, id, model.StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	if err := expectOneRow(res, nil); err == nil {
		return nil
	}
	return s.taskMissOrTransition(ctx, id)
}

// ListRetryable returns failed tasks with retry_count below maxAttempts,
// least recently updated first.
func (s *PostgresStore) ListRetryable(ctx context.Context, maxAttempts, limit int) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks
		WHERE status = $1 AND retry_count < $2
		ORDER BY updated_at ASC LIMIT $3`,
		model.StatusFailed, maxAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list retryable: %w", err)
	}
	defer rows.Close()

	tasks, err := collect(rows, scanTask)
	if err != nil {
		return nil, fmt.Errorf("list retryable: %w", err)
	}
	return tasks, nil
}

// ListStuck returns running tasks whose updated_at is before cutoff.
func (s *PostgresStore) ListStuck(ctx context.Context, cutoff time.Time) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC`,
		model.StatusRunning, cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list stuck: %w", err)
	}
	defer rows.Close()

	tasks, err := collect(rows, scanTask)
	if err != nil {
		return nil, fmt.Errorf("list stuck: %w", err)
	}
	return tasks, nil
}

// Stats returns aggregate counts by status and action plus run timings.
func (s *PostgresStore) Stats(ctx context.Context) (*TaskStats, error) {
	stats := &TaskStats{
		CountByStatus: make(map[string]int),
		CountByAction: make(map[string]int),
	}

	if err := groupCounts(ctx, s.db, "SELECT status, COUNT(*) FROM agent_tasks GROUP BY status", stats.CountByStatus); err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	if err := groupCounts(ctx, s.db, "SELECT action, COUNT(*) FROM agent_tasks GROUP BY action", stats.CountByAction); err != nil {
		return nil, fmt.Errorf("count by action: %w", err)
	}
	for _, n := range stats.CountByStatus {
		stats.Total += n
	}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COUNT(*) FILTER (WHERE end_at IS NULL),
			COALESCE(AVG(EXTRACT(EPOCH FROM (end_at - start_at)) * 1000)
				FILTER (WHERE end_at IS NOT NULL), 0)::float8
		FROM agent_runs`,
	).Scan(&stats.TotalRuns, &stats.OpenRuns, &stats.AvgRunDurationMS)
	if err != nil {
		return nil, fmt.Errorf("run stats: %w", err)
	}

	return stats, nil
}

func (s *PostgresStore) runMissOrClosed(ctx context.Context, runID string) error {
	var closed bool
	err := s.db.QueryRowContext(ctx,
		"SELECT end_at IS NOT NULL FROM agent_runs WHERE id = $1", runID,
	).Scan(&closed)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check run: %w", err)
	}
	if closed {
		return ErrRunClosed
	}
	return fmt.Errorf("run %s: concurrent update", runID)
}

func (s *PostgresStore) taskMissOrTransition(ctx context.Context, taskID string) error {
	var status string
	err := s.db.QueryRowContext(ctx,
		"SELECT status FROM agent_tasks WHERE id = $1", taskID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check task: %w", err)
	}
	return fmt.Errorf("task %s is %s: %w", taskID, status, ErrInvalidTransition)
}
