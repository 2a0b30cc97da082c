package batch

import (
	"sync"
	"time"

	"guardbridge/internal/model"
)

// Status tracks a batch from emission to its terminal state.
type Status int32

const (
	StatusPending Status = iota
	StatusInFlight
	StatusCompleted
	StatusFailed
	StatusDeadLettered
)

func (s Status) String() string {
	switch s {
	case StatusInFlight:
		return "in-flight"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusDeadLettered:
		return "dead-lettered"
	default:
		return "pending"
	}
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLettered
}

// Batch is an ordered run of records bound for a single ingest request.
type Batch struct {
	ID        string
	Records   []model.Record
	Size      int // serialized JSON array size in bytes
	FirstSeen time.Time

	mu       sync.Mutex
	status   Status
	attempts int
	lastErr  error
}

// Status returns the current lifecycle state.
func (b *Batch) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Attempts returns how many ingest attempts the batch has consumed.
func (b *Batch) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// LastErr returns the most recent failure recorded against the batch.
func (b *Batch) LastErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Transition moves the batch to the given state. A batch in a terminal
// state never leaves it; the failed state only advances to dead-lettered.
func (b *Batch) Transition(to Status) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Terminal() {
		return false
	}
	if b.status == StatusFailed && to != StatusDeadLettered && to != StatusFailed {
		return false
	}
	b.status = to
	return true
}

// RecordAttempt notes one ingest attempt and its outcome.
func (b *Batch) RecordAttempt(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	b.lastErr = err
}
