package framequeue

import (
	"fmt"
	"sync"
)

// BufferState is a step in the life of a capture buffer.
type BufferState int

const (
	StateFree BufferState = iota
	StateQueued
	StateFilled
	StateCompleted
)

func (s BufferState) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateQueued:
		return "queued"
	case StateFilled:
		return "filled"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Tracer observes buffer state transitions. Calls for one index are
// serialized by the queue.
type Tracer interface {
	Transition(index int, to BufferState)
}

type nopTracer struct{}

func (nopTracer) Transition(int, BufferState) {}

// TraceRecorder keeps the full state history of every buffer and records
// transitions that break the Free -> Queued -> (Filled ->) Completed -> Free
// cycle.
type TraceRecorder struct {
	mu         sync.Mutex
	current    map[int]BufferState
	history    map[int][]BufferState
	violations []string
}

// NewTraceRecorder creates an empty recorder; every buffer starts Free.
func NewTraceRecorder() *TraceRecorder {
	return &TraceRecorder{
		current: make(map[int]BufferState),
		history: make(map[int][]BufferState),
	}
}

func allowed(from, to BufferState) bool {
	switch from {
	case StateFree:
		return to == StateQueued
	case StateQueued:
		return to == StateFilled || to == StateCompleted
	case StateFilled:
		return to == StateCompleted
	case StateCompleted:
		return to == StateFree
	}
	return false
}

// Transition records a state change for index.
func (r *TraceRecorder) Transition(index int, to BufferState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	from := r.current[index]
	if !allowed(from, to) {
		r.violations = append(r.violations,
			fmt.Sprintf("buffer %d: %s -> %s", index, from, to))
	}
	r.current[index] = to
	r.history[index] = append(r.history[index], to)
}

// Violations returns every illegal transition seen so far.
func (r *TraceRecorder) Violations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.violations...)
}

// History returns the recorded states of index, oldest first.
func (r *TraceRecorder) History(index int) []BufferState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]BufferState(nil), r.history[index]...)
}

// State returns the current state of index.
func (r *TraceRecorder) State(index int) BufferState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current[index]
}

// Leaked returns the indices that are not Free.
func (r *TraceRecorder) Leaked() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []int
	for idx, s := range r.current {
		if s != StateFree {
			out = append(out, idx)
		}
	}
	return out
}
