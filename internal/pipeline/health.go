package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Counters are the controller's running totals. Prometheus gets the same
// numbers; these exist so health and drain logging do not scrape themselves.
type Counters struct {
	ObjectsEnqueued   atomic.Uint64
	ObjectsSuppressed atomic.Uint64
	ObjectsProcessed  atomic.Uint64
	ObjectsSkipped    atomic.Uint64
	ObjectsFailed     atomic.Uint64
	FindingsParsed    atomic.Uint64
	LinesMalformed    atomic.Uint64
	Duplicates        atomic.Uint64
	Transformed       atomic.Uint64
	TransformErrors   atomic.Uint64
	RecordsOversize   atomic.Uint64
	BatchesCompleted  atomic.Uint64
	BatchesFailed     atomic.Uint64
	DeadLettered      atomic.Uint64
	RecordsIngested   atomic.Uint64
	Retries           atomic.Uint64
}

// Snapshot is a point-in-time copy, safe to serialize.
type Snapshot struct {
	ObjectsEnqueued   uint64 `json:"objectsEnqueued"`
	ObjectsSuppressed uint64 `json:"objectsSuppressed"`
	ObjectsProcessed  uint64 `json:"objectsProcessed"`
	ObjectsSkipped    uint64 `json:"objectsSkipped"`
	ObjectsFailed     uint64 `json:"objectsFailed"`
	FindingsParsed    uint64 `json:"findingsParsed"`
	LinesMalformed    uint64 `json:"linesMalformed"`
	Duplicates        uint64 `json:"duplicates"`
	Transformed       uint64 `json:"transformed"`
	TransformErrors   uint64 `json:"transformErrors"`
	RecordsOversize   uint64 `json:"recordsOversize"`
	BatchesCompleted  uint64 `json:"batchesCompleted"`
	BatchesFailed     uint64 `json:"batchesFailed"`
	DeadLettered      uint64 `json:"deadLettered"`
	RecordsIngested   uint64 `json:"recordsIngested"`
	Retries           uint64 `json:"retries"`
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		ObjectsEnqueued:   c.ObjectsEnqueued.Load(),
		ObjectsSuppressed: c.ObjectsSuppressed.Load(),
		ObjectsProcessed:  c.ObjectsProcessed.Load(),
		ObjectsSkipped:    c.ObjectsSkipped.Load(),
		ObjectsFailed:     c.ObjectsFailed.Load(),
		FindingsParsed:    c.FindingsParsed.Load(),
		LinesMalformed:    c.LinesMalformed.Load(),
		Duplicates:        c.Duplicates.Load(),
		Transformed:       c.Transformed.Load(),
		TransformErrors:   c.TransformErrors.Load(),
		RecordsOversize:   c.RecordsOversize.Load(),
		BatchesCompleted:  c.BatchesCompleted.Load(),
		BatchesFailed:     c.BatchesFailed.Load(),
		DeadLettered:      c.DeadLettered.Load(),
		RecordsIngested:   c.RecordsIngested.Load(),
		Retries:           c.Retries.Load(),
	}
}

// Health states. Degraded keeps serving; unhealthy means ingestion cannot
// make progress.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

type probeState struct {
	mu        sync.Mutex
	sourceErr error
	sinkErr   error
	checked   time.Time
}

// Report is the health payload served by the ops endpoints.
type Report struct {
	Status          string       `json:"status"`
	SourceError     string       `json:"sourceError,omitempty"`
	SinkError       string       `json:"sinkError,omitempty"`
	Breaker         BreakerStats `json:"breaker"`
	InputQueueDepth int          `json:"inputQueueDepth"`
	InputQueueCap   int          `json:"inputQueueCap"`
	BatchQueueDepth int          `json:"batchQueueDepth"`
	BatchQueueCap   int          `json:"batchQueueCap"`
	LastProbe       time.Time    `json:"lastProbe"`
	Counters        Snapshot     `json:"counters"`
}

const probeInterval = 30 * time.Second

func (c *Controller) prober(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	c.runProbes(ctx)
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runProbes(ctx)
		}
	}
}

func (c *Controller) runProbes(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	srcErr := c.deps.Source.Probe(ctx)
	sinkErr := c.deps.Sink.Probe(ctx)

	c.probes.mu.Lock()
	c.probes.sourceErr = srcErr
	c.probes.sinkErr = sinkErr
	c.probes.checked = time.Now().UTC()
	c.probes.mu.Unlock()

	if srcErr != nil {
		c.log.Warn("source probe failed", "error", srcErr)
	}
	if sinkErr != nil {
		c.log.Warn("sink probe failed", "error", sinkErr)
	}
}

// Health derives the overall status: unhealthy when both ends are
// unreachable, degraded when one probe fails, the breaker is not closed, or
// the input queue is close to full.
func (c *Controller) Health() Report {
	c.probes.mu.Lock()
	srcErr, sinkErr, checked := c.probes.sourceErr, c.probes.sinkErr, c.probes.checked
	c.probes.mu.Unlock()

	r := Report{
		Status:          StatusHealthy,
		Breaker:         c.breaker.Stats(),
		InputQueueDepth: len(c.input),
		InputQueueCap:   cap(c.input),
		BatchQueueDepth: c.deps.Batcher.QueueDepth(),
		BatchQueueCap:   c.deps.Batcher.QueueCapacity(),
		LastProbe:       checked,
		Counters:        c.counters.Snapshot(),
	}
	if srcErr != nil {
		r.SourceError = srcErr.Error()
	}
	if sinkErr != nil {
		r.SinkError = sinkErr.Error()
	}

	switch {
	case srcErr != nil && sinkErr != nil:
		r.Status = StatusUnhealthy
	case srcErr != nil || sinkErr != nil:
		r.Status = StatusDegraded
	case c.breaker.State() != BreakerClosed:
		r.Status = StatusDegraded
	case r.InputQueueCap > 0 && r.InputQueueDepth*10 >= r.InputQueueCap*8:
		r.Status = StatusDegraded
	}
	return r
}

// Ready reports whether the controller can accept new objects.
func (c *Controller) Ready() bool {
	c.intakeMu.RLock()
	defer c.intakeMu.RUnlock()
	return !c.draining
}
