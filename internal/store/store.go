package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/shopagent/internal/model"
)

var (
	// ErrNotFound is returned when a task, run or artifact does not exist.
	ErrNotFound = errors.New("not found")

	// ErrQueueEmpty is returned by ClaimNext when no task is queued.
	ErrQueueEmpty = errors.New("no queued task")

	// ErrInvalidTransition is returned when a task status transition is not allowed,
	// e.g. finalizing a task that is not running.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrRunClosed is returned when finishing a run that already has end_at set.
	ErrRunClosed = errors.New("run already closed")

	// ErrInvalidOutcome is returned when a run is finished with both or neither
	// of result and error.
	ErrInvalidOutcome = errors.New("run outcome must carry exactly one of result or error")
)

// TaskFilter narrows ListTasks. Zero values mean no filter.
type TaskFilter struct {
	Status string
	ShopID string
	Limit  int
	Offset int
}

// TaskStats holds aggregate ledger statistics.
type TaskStats struct {
	Total            int            `json:"total"`
	CountByStatus    map[string]int `json:"count_by_status"`
	CountByAction    map[string]int `json:"count_by_action"`
	TotalRuns        int            `json:"total_runs"`
	OpenRuns         int            `json:"open_runs"`
	AvgRunDurationMS float64        `json:"avg_run_duration_ms"`
}

// Store is the ledger the engine depends on. Each operation is individually
// atomic; callers must not assume transactions across calls.
type Store interface {
	// ClaimNext atomically moves the highest-priority, oldest queued task to
	// running and returns it. Returns ErrQueueEmpty when nothing is queued.
	ClaimNext(ctx context.Context) (*model.Task, error)
	CreateRun(ctx context.Context, taskID, workerID string) (*model.Run, error)
	FinishRun(ctx context.Context, runID string, result map[string]any, errMsg string) error
	CreateArtifact(ctx context.Context, runID, typ, url string) (*model.Artifact, error)
	// FinalizeTask moves a running task to success or failed. A failed
	// finalization increments retry_count. Finalizing a task that is not
	// running returns ErrInvalidTransition and changes nothing.
	FinalizeTask(ctx context.Context, taskID, status, errMsg string) error

	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]*model.Task, int, error)
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, taskID string) ([]*model.Run, error)
	ListArtifacts(ctx context.Context, runID string) ([]*model.Artifact, error)
	GetArtifact(ctx context.Context, id string) (*model.Artifact, error)
	// RequeueTask moves a failed task back to queued.
	RequeueTask(ctx context.Context, id string) error
	// ListRetryable returns failed tasks whose retry_count is below maxAttempts.
	ListRetryable(ctx context.Context, maxAttempts, limit int) ([]*model.Task, error)
	// ListStuck returns running tasks not updated since before cutoff.
	ListStuck(ctx context.Context, cutoff time.Time) ([]*model.Task, error)
	Stats(ctx context.Context) (*TaskStats, error)
	Close() error
}

// Pinger is implemented by stores that can report whether their database is
// reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Notifier is implemented by stores that can signal newly queued tasks,
// letting the engine wake before its poll interval elapses.
type Notifier interface {
	Notify() <-chan struct{}
}

// checkOutcome enforces that a finished run carries exactly one of result or error.
func checkOutcome(result map[string]any, errMsg string) error {
	if (result == nil) == (errMsg == "") {
		return ErrInvalidOutcome
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

const taskColumns = `id, shop_id, action, payload, status, priority, dry_run,
	error, retry_count, created_at, updated_at`

const runColumns = `id, task_id, worker_id, start_at, end_at, result, error`

const artifactColumns = `id, run_id, type, url, created_at`

func scanTask(row scanner) (*model.Task, error) {
	t := &model.Task{}
	var payload string
	if err := row.Scan(
		&t.ID, &t.ShopID, &t.Action, &payload, &t.Status, &t.Priority, &t.DryRun,
		&t.Error, &t.RetryCount, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p, err := decodeJSON(payload)
	if err != nil {
		// Keep the row readable so a claimed task can still be finalized.
		t.PayloadError = fmt.Sprintf("payload is not a JSON object: %v", err)
		return t, nil
	}
	if p == nil {
		p = map[string]any{}
	}
	t.Payload = p
	return t, nil
}

func scanRun(row scanner) (*model.Run, error) {
	r := &model.Run{}
	var result sql.NullString
	if err := row.Scan(&r.ID, &r.TaskID, &r.WorkerID, &r.StartAt, &r.EndAt, &result, &r.Error); err != nil {
		return nil, err
	}
	if result.Valid {
		res, err := decodeJSON(result.String)
		if err != nil {
			return nil, fmt.Errorf("decode result of run %s: %w", r.ID, err)
		}
		r.Result = res
	}
	return r, nil
}

func scanArtifact(row scanner) (*model.Artifact, error) {
	a := &model.Artifact{}
	if err := row.Scan(&a.ID, &a.RunID, &a.Type, &a.URL, &a.CreatedAt); err != nil {
		return nil, err
	}
	return a, nil
}

func encodeJSON(v map[string]any) (string, error) {
	if v == nil {
		v = map[string]any{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// encodeResult returns a NULL for a missing result so that failed runs keep
// result unset.
func encodeResult(v map[string]any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	s, err := encodeJSON(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: s, Valid: true}, nil
}

func decodeJSON(s string) (map[string]any, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func newTaskDefaults(t *model.Task, now time.Time) {
	if t.ID == "" {
		t.ID = model.NewID()
	}
	if t.Payload == nil {
		t.Payload = map[string]any{}
	}
	t.Status = model.StatusQueued
	t.Error = ""
	t.RetryCount = 0
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
}
