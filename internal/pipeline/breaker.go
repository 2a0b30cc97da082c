package pipeline

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrBreakerOpen is returned for ingest attempts while the sink breaker is
// open. It is classified as retryable so in-flight batches back off instead
// of dead-lettering.
var ErrBreakerOpen = errors.New("pipeline: sink circuit open")

// BreakerState is the sink circuit state.
type BreakerState int32

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerOpen                         // failing, reject attempts
	BreakerHalfOpen                     // probing for recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker short-circuits ingest attempts after repeated sink failures so a
// hard outage does not burn every batch's retry budget against a dead
// endpoint.
type Breaker struct {
	maxFailures  uint32
	cooldown     time.Duration
	successesReq uint32

	state        atomic.Int32
	failures     atomic.Uint32
	successes    atomic.Uint32
	lastFailTime atomic.Int64

	totalCalls   atomic.Uint64
	totalSuccess atomic.Uint64
	totalReject  atomic.Uint64
}

func NewBreaker(maxFailures uint32, cooldown time.Duration, successesReq uint32) *Breaker {
	if maxFailures == 0 {
		maxFailures = 5
	}
	if cooldown == 0 {
		cooldown = 10 * time.Second
	}
	if successesReq == 0 {
		successesReq = 2
	}
	b := &Breaker{maxFailures: maxFailures, cooldown: cooldown, successesReq: successesReq}
	b.state.Store(int32(BreakerClosed))
	return b
}

// Execute runs fn through the breaker. While open it fails fast with
// ErrBreakerOpen until the cooldown elapses, then lets one probe through.
func (b *Breaker) Execute(fn func() error) error {
	b.totalCalls.Add(1)

	state := BreakerState(b.state.Load())
	if state == BreakerOpen {
		lastFail := time.Unix(0, b.lastFailTime.Load())
		if time.Since(lastFail) > b.cooldown {
			if b.state.CompareAndSwap(int32(BreakerOpen), int32(BreakerHalfOpen)) {
				b.successes.Store(0)
			}
		} else {
			b.totalReject.Add(1)
			return ErrBreakerOpen
		}
	}

	if err := fn(); err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

func (b *Breaker) onFailure() {
	b.failures.Add(1)
	b.lastFailTime.Store(time.Now().UnixNano())

	switch BreakerState(b.state.Load()) {
	case BreakerClosed:
		if b.failures.Load() >= b.maxFailures {
			b.state.Store(int32(BreakerOpen))
		}
	case BreakerHalfOpen:
		// one failure during the probe reopens the circuit
		b.state.Store(int32(BreakerOpen))
		b.failures.Store(0)
		b.successes.Store(0)
	}
}

func (b *Breaker) onSuccess() {
	b.totalSuccess.Add(1)

	switch BreakerState(b.state.Load()) {
	case BreakerClosed:
		b.failures.Store(0)
	case BreakerHalfOpen:
		if b.successes.Add(1) >= b.successesReq {
			b.state.Store(int32(BreakerClosed))
			b.failures.Store(0)
			b.successes.Store(0)
		}
	}
}

func (b *Breaker) State() BreakerState {
	return BreakerState(b.state.Load())
}

// BreakerStats is a point-in-time snapshot for health reporting.
type BreakerStats struct {
	State        string `json:"state"`
	Failures     uint32 `json:"failures"`
	TotalCalls   uint64 `json:"totalCalls"`
	TotalSuccess uint64 `json:"totalSuccess"`
	TotalReject  uint64 `json:"totalRejected"`
}

func (b *Breaker) Stats() BreakerStats {
	return BreakerStats{
		State:        b.State().String(),
		Failures:     b.failures.Load(),
		TotalCalls:   b.totalCalls.Load(),
		TotalSuccess: b.totalSuccess.Load(),
		TotalReject:  b.totalReject.Load(),
	}
}
