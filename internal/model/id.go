package model

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new random UUID string for tasks, runs and artifacts.
func NewID() string {
	return uuid.NewString()
}

// NewWorkerID generates a worker identifier of the form "worker-<ulid>".
// ULIDs sort by creation time, so workers started later list later.
func NewWorkerID() string {
	return "worker-" + strings.ToLower(ulid.Make().String())
}
