package engine

import (
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Event types published during an attempt.
const (
	EventClaimed    = "claimed"
	EventRunStarted = "run_started"
	EventArtifact   = "artifact"
	EventFinished   = "finished"
)

// Event is one lifecycle step of a task attempt.
type Event struct {
	Type         string    `json:"type"`
	TaskID       string    `json:"task_id"`
	RunID        string    `json:"run_id,omitempty"`
	WorkerID     string    `json:"worker_id,omitempty"`
	ArtifactType string    `json:"artifact_type,omitempty"`
	URL          string    `json:"url,omitempty"`
	Status       string    `json:"status,omitempty"`
	Error        string    `json:"error,omitempty"`
	Time         time.Time `json:"time"`
}

// EventBroker fans out attempt events per task to subscribers.
// It is safe for concurrent use.
//
// A topic lives from the first subscription or claim until the attempt
// finishes. Subscribers of a task that is not being worked on wait for the
// next attempt, so callers check the task status after subscribing.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs   map[int]chan Event
	nextID int
}

// NewEventBroker creates a new event broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*eventTopic),
	}
}

// Subscribe returns a channel that receives events for the given task and
// an unsubscribe function. The channel is closed when the current or next
// attempt of the task finishes.
func (b *EventBroker) Subscribe(taskID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan Event)}
		b.topics[taskID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; !ok {
			return
		}
		delete(t.subs, id)
		if len(t.subs) == 0 && b.topics[taskID] == t {
			delete(b.topics, taskID)
		}
	}
}

// Publish sends an event to all subscribers of its task.
// Events are dropped for subscribers whose buffers are full.
func (b *EventBroker) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.TaskID]
	if !ok {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscribers to avoid blocking execution.
		}
	}
}

// Close ends the topic of a finished attempt. All subscriber channels are
// closed.
func (b *EventBroker) Close(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		return
	}
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	delete(b.topics, taskID)
}
