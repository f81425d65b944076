package model

import "time"

// Task status constants.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Artifact type constants. The set is open; these are the ones the
// built-in actions produce.
const (
	ArtifactBefore = "before"
	ArtifactAfter  = "after"
	ArtifactError  = "error"
	ArtifactTrace  = "trace"
)

// validTransitions maps each status to the set of statuses it may transition to.
// failed→queued is reserved for the retry policy.
var validTransitions = map[string]map[string]bool{
	StatusQueued: {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusSuccess: true,
		StatusFailed:  true,
	},
	StatusFailed: {
		StatusQueued: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status ends an attempt.
func IsTerminal(status string) bool {
	return status == StatusSuccess || status == StatusFailed
}

// Task is one requested automation action against a shop.
type Task struct {
	ID         string         `json:"id"`
	ShopID     string         `json:"shop_id"`
	Action     string         `json:"action"`
	Payload    map[string]any `json:"payload"`
	Status     string         `json:"status"`
	Priority   int            `json:"priority"`
	DryRun     bool           `json:"dry_run"`
	Error      string         `json:"error,omitempty"`
	RetryCount int            `json:"retry_count"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`

	// PayloadError is set when the stored payload is not a JSON object.
	// Payload is nil in that case and the task cannot be executed.
	PayloadError string `json:"payload_error,omitempty"`
}

// Run is one execution attempt of a task. EndAt is nil while the attempt is
// in flight; once set, exactly one of Result and Error is populated.
type Run struct {
	ID       string         `json:"id"`
	TaskID   string         `json:"task_id"`
	WorkerID string         `json:"worker_id"`
	StartAt  time.Time      `json:"start_at"`
	EndAt    *time.Time     `json:"end_at,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Closed reports whether the run has finished.
func (r *Run) Closed() bool {
	return r.EndAt != nil
}

// Artifact is one piece of evidence recorded during a run.
type Artifact struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Type      string    `json:"type"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}
