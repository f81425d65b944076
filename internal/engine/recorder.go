package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/seantiz/shopagent/internal/browser"
	"github.com/seantiz/shopagent/internal/store"
)

// errRecorderSealed is returned by Capture once the run has been closed.
var errRecorderSealed = errors.New("evidence recorder sealed")

// Evidence persists captured screenshots and returns their location.
type Evidence interface {
	Save(ctx context.Context, runID, artifactType string, png []byte) (string, error)
}

// runRecorder captures evidence for one run. It is sealed before the run
// is closed, after which captures from a late handler are refused.
type runRecorder struct {
	taskID string
	runID  string
	driver browser.Driver
	files  Evidence
	store  store.Store
	broker *EventBroker
	logger *slog.Logger

	mu     sync.Mutex
	sealed bool
}

func (r *runRecorder) Capture(ctx context.Context, artifactType string) error {
	if r.isSealed() {
		return errRecorderSealed
	}

	png, err := r.driver.Screenshot(ctx)
	if err != nil {
		return fmt.Errorf("take screenshot: %w", err)
	}
	url, err := r.files.Save(ctx, r.runID, artifactType, png)
	if err != nil {
		return fmt.Errorf("save screenshot: %w", err)
	}

	// Held across the ledger write so seal waits for an in-flight append.
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return errRecorderSealed
	}
	a, err := r.store.CreateArtifact(context.WithoutCancel(ctx), r.runID, artifactType, url)
	if err != nil {
		return fmt.Errorf("record artifact: %w", err)
	}

	r.logger.Debug("artifact recorded", "artifact_id", a.ID, "artifact_type", artifactType, "url", url)
	r.broker.Publish(Event{
		Type:         EventArtifact,
		TaskID:       r.taskID,
		RunID:        r.runID,
		ArtifactType: artifactType,
		URL:          url,
	})
	return nil
}

func (r *runRecorder) isSealed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sealed
}

func (r *runRecorder) seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}
