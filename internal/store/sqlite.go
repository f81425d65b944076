package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/shopagent/internal/model"

	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS agent_tasks (
    id          TEXT PRIMARY KEY,
    shop_id     TEXT NOT NULL,
    action      TEXT NOT NULL,
    payload     TEXT NOT NULL DEFAULT '{}',
    status      TEXT NOT NULL CHECK (status IN ('queued', 'running', 'success', 'failed')),
    priority    INTEGER NOT NULL DEFAULT 5,
    dry_run     INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT '',
    retry_count INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_tasks_status ON agent_tasks (status)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_tasks_claim ON agent_tasks (status, priority DESC, created_at)`,
	`CREATE TABLE IF NOT EXISTS agent_runs (
    id        TEXT PRIMARY KEY,
    task_id   TEXT NOT NULL REFERENCES agent_tasks (id),
    worker_id TEXT NOT NULL,
    start_at  DATETIME NOT NULL,
    end_at    DATETIME,
    result    TEXT,
    error     TEXT NOT NULL DEFAULT ''
)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_runs_task ON agent_runs (task_id)`,
	`CREATE TABLE IF NOT EXISTS agent_artifacts (
    id         TEXT PRIMARY KEY,
    run_id     TEXT NOT NULL REFERENCES agent_runs (id),
    type       TEXT NOT NULL,
    url        TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_artifacts_run ON agent_artifacts (run_id)`,
}

// sqliteParams are applied to every pooled connection by the driver.
// _time_format=sqlite keeps stored timestamps parseable by julianday().
const sqliteParams = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_time_format=sqlite"

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
// Several stores (one per worker process) may share the same file; claims
// stay exclusive because each claim is a single conditional UPDATE.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?" + sqliteParams
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Each connection to ":memory:" is a separate database.
	if strings.HasPrefix(dbPath, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ClaimNext claims the highest-priority queued task, oldest first. The
// claim and the read of the claimed row share a transaction, so a failed
// read leaves the task queued. Cancellation of ctx is ignored once the
// claim starts.
func (s *SQLiteStore) ClaimNext(ctx context.Context) (*model.Task, error) {
	ctx = context.WithoutCancel(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx,
		`UPDATE agent_tasks SET status = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM agent_tasks
			WHERE status = ?
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
		) AND status = ?
		RETURNING id`,
		model.StatusRunning, time.Now().UTC(), model.StatusQueued, model.StatusQueued,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}

	t, err := scanTask(tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("read claimed task %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return t, nil
}

// CreateRun opens a run for taskID with start_at set to now.
func (s *SQLiteStore) CreateRun(ctx context.Context, taskID, workerID string) (*model.Run, error) {
	r := &model.Run{
		ID:       model.NewID(),
		TaskID:   taskID,
		WorkerID: workerID,
		StartAt:  time.Now().UTC(),
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_runs (id, task_id, worker_id, start_at, end_at, result, error)
		SELECT ?, ?, ?, ?, NULL, NULL, ''
		WHERE EXISTS (SELECT 1 FROM agent_tasks WHERE id = ?)`,
		r.ID, r.TaskID, r.WorkerID, r.StartAt, taskID,
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
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, result map[string]any, errMsg string) error {
	if err := checkOutcome(result, errMsg); err != nil {
		return err
	}
	encoded, err := encodeResult(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE agent_runs SET end_at = ?, result = ?, error = ? WHERE id = ? AND end_at IS NULL",
		time.Now().UTC(), encoded, errMsg, runID,
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
func (s *SQLiteStore) CreateArtifact(ctx context.Context, runID, typ, url string) (*model.Artifact, error) {
	a := &model.Artifact{
		ID:        model.NewID(),
		RunID:     runID,
		Type:      typ,
		URL:       url,
		CreatedAt: time.Now().UTC(),
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_artifacts (id, run_id, type, url, created_at)
		SELECT ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM agent_runs WHERE id = ? AND end_at IS NULL)`,
		a.ID, a.RunID, a.Type, a.URL, a.CreatedAt, runID,
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
func (s *SQLiteStore) FinalizeTask(ctx context.Context, taskID, status, errMsg string) error {
	if !model.ValidTransition(model.StatusRunning, status) {
		return fmt.Errorf("finalize to %q: %w", status, ErrInvalidTransition)
	}
	increment := 0
	if status == model.StatusFailed {
		increment = 1
	} else {
		errMsg = ""
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_tasks SET status = ?, error = ?, retry_count = retry_count + ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		status, errMsg, increment, time.Now().UTC(), taskID, model.StatusRunning,
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
func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.Task) error {
	newTaskDefaults(t, time.Now().UTC())
	payload, err := encodeJSON(t.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ShopID, t.Action, payload, t.Status, t.Priority, t.DryRun,
		t.Error, t.RetryCount, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks WHERE id = ?`, id,
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
func (s *SQLiteStore) ListTasks(ctx context.Context, f TaskFilter) ([]*model.Task, int, error) {
	where, args := taskWhere(f, func(int) string { return "?" })

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM agent_tasks"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
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
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE id = ?`, id,
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
func (s *SQLiteStore) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	a, err := scanArtifact(s.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM agent_artifacts WHERE id = ?`, id,
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
func (s *SQLiteStore) ListRuns(ctx context.Context, taskID string) ([]*model.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE task_id = ? ORDER BY start_at ASC`, taskID,
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
func (s *SQLiteStore) ListArtifacts(ctx context.Context, runID string) ([]*model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM agent_artifacts WHERE run_id = ? ORDER BY created_at ASC`, runID,
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

// RequeueTask moves a failed task back to queued.
func (s *SQLiteStore) RequeueTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE agent_tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		model.StatusQueued, time.Now().UTC(), id, model.StatusFailed,
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
func (s *SQLiteStore) ListRetryable(ctx context.Context, maxAttempts, limit int) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks
		WHERE status = ? AND retry_count < ?
		ORDER BY updated_at ASC LIMIT ?`,
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
func (s *SQLiteStore) ListStuck(ctx context.Context, cutoff time.Time) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks
		WHERE status = ? AND updated_at < ?
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
func (s *SQLiteStore) Stats(ctx context.Context) (*TaskStats, error) {
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
			COALESCE(SUM(CASE WHEN end_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(CASE WHEN end_at IS NOT NULL
				THEN (julianday(end_at) - julianday(start_at)) * 86400000.0 END), 0)
		FROM agent_runs`,
	).Scan(&stats.TotalRuns, &stats.OpenRuns, &stats.AvgRunDurationMS)
	if err != nil {
		return nil, fmt.Errorf("run stats: %w", err)
	}

	return stats, nil
}

func (s *SQLiteStore) runMissOrClosed(ctx context.Context, runID string) error {
	var closed bool
	err := s.db.QueryRowContext(ctx,
		"SELECT end_at IS NOT NULL FROM agent_runs WHERE id = ?", runID,
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

func (s *SQLiteStore) taskMissOrTransition(ctx context.Context, taskID string) error {
	var status string
	err := s.db.QueryRowContext(ctx,
		"SELECT status FROM agent_tasks WHERE id = ?", taskID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check task: %w", err)
	}
	return fmt.Errorf("task %s is %s: %w", taskID, status, ErrInvalidTransition)
}

// expectOneRow returns missErr (or a generic error when nil) unless exactly one
// row was affected.
func expectOneRow(res sql.Result, missErr error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	if missErr != nil {
		return missErr
	}
	return fmt.Errorf("%d rows affected", n)
}

// taskWhere builds the WHERE clause for a TaskFilter. ph renders the n-th
// (1-based) placeholder for the dialect.
func taskWhere(f TaskFilter, ph func(n int) string) (string, []any) {
	var conds []string
	var args []any
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, "status = "+ph(len(args)))
	}
	if f.ShopID != "" {
		args = append(args, f.ShopID)
		conds = append(conds, "shop_id = "+ph(len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func collect[T any](rows *sql.Rows, scan func(scanner) (*T, error)) ([]*T, error) {
	var out []*T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func groupCounts(ctx context.Context, q queryer, query string, into map[string]int) error {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}
