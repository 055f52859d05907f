package engine

import (
	"sort"
	"sync"
	"time"
)

// ImportPhase represents the current phase of a bulk import.
type ImportPhase string

const (
	PhaseReading    ImportPhase = "reading"
	PhaseExperiment ImportPhase = "experiments"
	PhaseCheckpoint ImportPhase = "checkpoint"
	PhaseModel      ImportPhase = "models"
	PhaseComplete   ImportPhase = "complete"
	PhaseFailed     ImportPhase = "failed"
)

// ItemEvent records a completed or failed item for the recent activity log.
type ItemEvent struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "completed", "failed"
	Error  string `json:"error,omitempty"`
}

// ImportProgress is a snapshot of the current import state.
type ImportProgress struct {
	BatchID      string      `json:"batch_id"`
	Phase        ImportPhase `json:"phase"`
	Total        int         `json:"total"`
	Completed    int         `json:"completed"`
	Failed       int         `json:"failed"`
	Percent      float64     `json:"percent"`
	Current      []string    `json:"current,omitempty"`
	RecentEvents []ItemEvent `json:"recent_events,omitempty"`
	StartTime    time.Time   `json:"start_time"`
	Elapsed      string      `json:"elapsed"`
}

// ImportTracker accumulates progress from pool workers in a thread-safe
// manner. Counters reset at every phase change.
type ImportTracker struct {
	mu sync.Mutex

	batchID   string
	phase     ImportPhase
	total     int
	completed int
	failed    int
	startTime time.Time

	current      map[string]struct{}
	recentEvents []ItemEvent

	// Close-and-replace notification channel, see Wait.
	notify chan struct{}
}

// NewImportTracker creates a tracker for one batch.
func NewImportTracker(batchID string) *ImportTracker {
	return &ImportTracker{
		batchID:   batchID,
		phase:     PhaseReading,
		startTime: time.Now(),
		current:   make(map[string]struct{}),
		notify:    make(chan struct{}),
	}
}

// Snapshot returns a copy of the current progress state.
func (t *ImportTracker) Snapshot() ImportProgress {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pct float64
	if t.total > 0 {
		pct = float64(t.completed+t.failed) / float64(t.total) * 100
	}

	current := make([]string, 0, len(t.current))
	for name := range t.current {
		current = append(current, name)
	}
	sort.Strings(current)

	recent := make([]ItemEvent, len(t.recentEvents))
	copy(recent, t.recentEvents)

	return ImportProgress{
		BatchID:      t.batchID,
		Phase:        t.phase,
		Total:        t.total,
		Completed:    t.completed,
		Failed:       t.failed,
		Percent:      pct,
		Current:      current,
		RecentEvents: recent,
		StartTime:    t.startTime,
		Elapsed:      time.Since(t.startTime).Truncate(time.Second).String(),
	}
}

// Wait returns a channel that will be closed when the next update occurs.
func (t *ImportTracker) Wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notify
}

// signal must be called with t.mu held.
func (t *ImportTracker) signal() {
	close(t.notify)
	t.notify = make(chan struct{})
}

// StartPhase switches phase and resets the counters to a new total.
func (t *ImportTracker) StartPhase(phase ImportPhase, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = phase
	t.total = total
	t.completed = 0
	t.failed = 0
	t.current = make(map[string]struct{})
	t.signal()
}

// SetPhase updates the phase without touching counters.
func (t *ImportTracker) SetPhase(phase ImportPhase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = phase
	t.signal()
}

// ItemStarted marks an item as in flight.
func (t *ImportTracker) ItemStarted(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current[name] = struct{}{}
	t.signal()
}

// ItemCompleted marks an item as done.
func (t *ImportTracker) ItemCompleted(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.current, name)
	t.completed++
	t.addRecentEvent(ItemEvent{Name: name, Status: "completed"})
	t.signal()
}

// ItemFailed marks an item as failed with an error reason.
func (t *ImportTracker) ItemFailed(name, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.current, name)
	t.failed++
	t.addRecentEvent(ItemEvent{Name: name, Status: "failed", Error: errMsg})
	t.signal()
}

// addRecentEvent prepends an event, capping the log at 20. Must be called with t.mu held.
func (t *ImportTracker) addRecentEvent(ev ItemEvent) {
	t.recentEvents = append([]ItemEvent{ev}, t.recentEvents...)
	if len(t.recentEvents) > 20 {
		t.recentEvents = t.recentEvents[:20]
	}
}
