package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle of one dispatch run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunError     RunStatus = "error" // stopped before dispatching, e.g. code check failed
)

var ErrRunActive = errors.New("a run is already in progress")

// RunState is a point-in-time copy of a Run.
type RunState struct {
	ID          string    `json:"id"`
	Operation   string    `json:"operation"`
	Status      RunStatus `json:"status"`
	Progress    int       `json:"progress"`
	Sent        int       `json:"sent"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	Total       int       `json:"total"`
	Current     string    `json:"current,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Run tracks one pass of the dispatcher over a batch.
type Run struct {
	mu    sync.Mutex
	state RunState

	ctx        context.Context
	cancelFunc context.CancelFunc
	done       chan struct{}
}

func (r *Run) ID() string { return r.state.ID }

// Update records progress after a row.
func (r *Run) Update(sent, failed int, current string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state.Sent = sent
	r.state.Failed = failed
	r.state.Current = current
	if r.state.Total > 0 {
		r.state.Progress = ((sent + failed + r.state.Skipped) * 100) / r.state.Total
	}
}

func (r *Run) setTotal(total, skipped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Total = total
	r.state.Skipped = skipped
}

// Complete marks the run finished unless it was cancelled or stopped.
func (r *Run) Complete() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Status == RunRunning {
		r.state.Status = RunCompleted
		r.state.Progress = 100
	}
	r.finishLocked()
}

// StopWithError ends the run without dispatching the rest.
func (r *Run) StopWithError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Status == RunRunning {
		r.state.Status = RunError
		r.state.Error = msg
	}
	r.finishLocked()
}

func (r *Run) finishLocked() {
	if r.state.CompletedAt.IsZero() {
		r.state.CompletedAt = time.Now()
		r.state.Current = ""
		close(r.done)
	}
	r.cancelFunc()
}

func (r *Run) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Status == RunRunning {
		r.state.Status = RunCancelled
		r.cancelFunc()
	}
}

func (r *Run) IsCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Status == RunCancelled
}

func (r *Run) Context() context.Context { return r.ctx }

// Done is closed when the run finishes for any reason.
func (r *Run) Done() <-chan struct{} { return r.done }

func (r *Run) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.CompletedAt.IsZero()
}

// RunManager tracks runs; at most one is active at a time.
type RunManager struct {
	runs map[string]*Run
	mu   sync.RWMutex
}

func NewRunManager() *RunManager {
	return &RunManager{runs: make(map[string]*Run)}
}

// Create starts a run bound to parent. It fails with ErrRunActive while
// another run is unfinished.
func (m *RunManager) Create(parent context.Context, operation string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.runs {
		if r.active() {
			return nil, ErrRunActive
		}
	}

	ctx, cancel := context.WithCancel(parent)
	run := &Run{
		state: RunState{
			ID:        uuid.New().String(),
			Operation: operation,
			Status:    RunRunning,
			StartedAt: time.Now(),
		},
		ctx:        ctx,
		cancelFunc: cancel,
		done:       make(chan struct{}),
	}
	m.runs[run.state.ID] = run
	return run, nil
}

// Get returns a run by ID, or nil if not found
func (m *RunManager) Get(id string) *Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runs[id]
}

// GetActive returns the unfinished run, or nil.
func (m *RunManager) GetActive() *Run {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.runs {
		if r.active() {
			return r
		}
	}
	return nil
}

// CancelActive cancels the unfinished run, if any.
func (m *RunManager) CancelActive() {
	if r := m.GetActive(); r != nil {
		r.Cancel()
	}
}

// Cleanup removes finished runs older than maxAge.
func (m *RunManager) Cleanup(maxAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for id, r := range m.runs {
		st := r.State()
		if !st.CompletedAt.IsZero() && st.CompletedAt.Before(cutoff) {
			delete(m.runs, id)
		}
	}
}
