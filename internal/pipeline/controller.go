// Package pipeline owns the end-to-end flow from bucket listing to DCR
// ingestion: queues, worker pools, the sink circuit breaker, dead-lettering
// and health reporting.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"guardbridge/internal/batch"
	"guardbridge/internal/deadletter"
	"guardbridge/internal/decode"
	"guardbridge/internal/dedup"
	"guardbridge/internal/metrics"
	"guardbridge/internal/model"
	"guardbridge/internal/retry"
	"guardbridge/internal/sink/azuremonitor"
	s3source "guardbridge/internal/source/s3"
	"guardbridge/internal/transform"
)

// Source lists and fetches findings objects.
type Source interface {
	List(ctx context.Context, limit int) ([]model.ObjectRef, error)
	Fetch(ctx context.Context, ref model.ObjectRef) (io.ReadCloser, error)
	Probe(ctx context.Context) error
}

// Ingestor posts record batches to the ingestion endpoint.
type Ingestor interface {
	Ingest(ctx context.Context, records []model.Record) (azuremonitor.Result, error)
	Probe(ctx context.Context) error
}

// TokenWarmer forces an access-token refresh between an auth failure and the
// retried attempt.
type TokenWarmer interface {
	Token(ctx context.Context) (string, error)
}

// Config tunes the controller. Zero values take the defaults noted inline.
type Config struct {
	ObjectWorkers   int           // 10
	IngestWorkers   int           // 4
	QueueDepth      int           // 1024, input queue bound
	ListLimit       int           // 0 = unlimited per poll
	ShutdownTimeout time.Duration // 30s, drain deadline
	SeenKeyCapacity int           // 100000, relist suppression window
	SeenKeyTTL      time.Duration // 24h
	SourceRetry     retry.Config
	IngestRetry     retry.Config
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.ObjectWorkers <= 0 {
		c.ObjectWorkers = 10
	}
	if c.IngestWorkers <= 0 {
		c.IngestWorkers = 4
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 1024
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.SeenKeyCapacity <= 0 {
		c.SeenKeyCapacity = 100000
	}
	if c.SeenKeyTTL <= 0 {
		c.SeenKeyTTL = 24 * time.Hour
	}
	return c
}

// Deps are the collaborators the controller drives. All are required except
// Tokens, which only backs the auth-retry hook.
type Deps struct {
	Source      Source
	Sink        Ingestor
	Tokens      TokenWarmer
	DeadLetter  deadletter.Sink
	Deduper     *dedup.Deduper
	Transformer *transform.Transformer
	Batcher     *batch.Batcher
	Logger      *slog.Logger
}

type dlTask struct {
	env *deadletter.Envelope
	// batch is nil for object-level envelopes.
	batch *batch.Batch
}

// Controller runs the pipeline. Construct with New, feed with Enqueue or
// PollOnce, and drive with Run.
type Controller struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	breaker  *Breaker
	seenKeys *dedup.KeySet

	input chan model.ObjectRef
	dlq   chan dlTask

	intakeMu sync.RWMutex
	draining bool

	counters Counters
	probes   probeState
}

func New(cfg Config, deps Deps) (*Controller, error) {
	if deps.Source == nil || deps.Sink == nil || deps.DeadLetter == nil ||
		deps.Deduper == nil || deps.Transformer == nil || deps.Batcher == nil {
		return nil, errors.New("pipeline: missing controller dependency")
	}
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	c := &Controller{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Logger,
		breaker:  NewBreaker(cfg.BreakerFailures, cfg.BreakerCooldown, 0),
		seenKeys: dedup.NewKeySet(cfg.SeenKeyCapacity, cfg.SeenKeyTTL),
		input:    make(chan model.ObjectRef, cfg.QueueDepth),
		dlq:      make(chan dlTask, 64),
	}
	if deps.Tokens != nil {
		c.cfg.IngestRetry.OnAuthRetry = func(ctx context.Context) error {
			_, err := deps.Tokens.Token(ctx)
			if err != nil {
				metrics.TokenRefreshes.WithLabelValues("error").Inc()
			} else {
				metrics.TokenRefreshes.WithLabelValues("ok").Inc()
			}
			return err
		}
	}
	return c, nil
}

// Enqueue offers one object to the pipeline. It returns false when the input
// queue is full or the controller is draining; already-seen keys are
// swallowed and report success.
func (c *Controller) Enqueue(ref model.ObjectRef) bool {
	c.intakeMu.RLock()
	defer c.intakeMu.RUnlock()
	if c.draining {
		return false
	}
	if c.seenKeys.Contains(seenKey(ref)) {
		c.counters.ObjectsSuppressed.Add(1)
		return true
	}
	select {
	case c.input <- ref:
		c.seenKeys.Add(seenKey(ref))
		c.counters.ObjectsEnqueued.Add(1)
		metrics.InputQueueDepth.Set(float64(len(c.input)))
		return true
	default:
		return false
	}
}

// seenKey includes the ETag so a rewritten object is fetched again.
func seenKey(ref model.ObjectRef) string {
	return ref.Key + "@" + ref.ETag
}

// PollOnce lists the bucket and enqueues whatever is new. It returns the
// number of objects enqueued this sweep.
func (c *Controller) PollOnce(ctx context.Context) (int, error) {
	refs, err := c.deps.Source.List(ctx, c.cfg.ListLimit)
	if err != nil {
		return 0, fmt.Errorf("pipeline: list objects: %w", err)
	}
	metrics.ObjectsListed.Add(float64(len(refs)))
	enqueued := 0
	for _, ref := range refs {
		if c.seenKeys.Contains(seenKey(ref)) {
			continue
		}
		if !c.Enqueue(ref) {
			// queue full; the next sweep picks the rest up
			break
		}
		enqueued++
	}
	return enqueued, nil
}

// Run drives the worker pools until ctx is cancelled, then drains: intake
// closes, in-flight objects finish, the batcher flushes its remainder, and
// ingest workers get ShutdownTimeout to land what is left. Batches still
// unsent at the deadline are dead-lettered.
func (c *Controller) Run(ctx context.Context) error {
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	c.deps.Batcher.Start()

	var dlWg sync.WaitGroup
	dlWg.Add(1)
	go c.deadLetterWorker(&dlWg)

	var objWg sync.WaitGroup
	for i := 0; i < c.cfg.ObjectWorkers; i++ {
		objWg.Add(1)
		go c.objectWorker(workCtx, &objWg)
	}

	var ingWg sync.WaitGroup
	for i := 0; i < c.cfg.IngestWorkers; i++ {
		ingWg.Add(1)
		go c.ingestWorker(workCtx, &ingWg)
	}

	var probeWg sync.WaitGroup
	probeWg.Add(1)
	go c.prober(workCtx, &probeWg)

	<-ctx.Done()
	c.log.Info("shutdown requested, draining pipeline",
		"deadline", c.cfg.ShutdownTimeout.String())

	c.intakeMu.Lock()
	c.draining = true
	close(c.input)
	c.intakeMu.Unlock()

	deadline := time.AfterFunc(c.cfg.ShutdownTimeout, cancelWork)
	defer deadline.Stop()

	objWg.Wait()
	c.deps.Batcher.Close()
	ingWg.Wait()

	close(c.dlq)
	dlWg.Wait()
	cancelWork()
	probeWg.Wait()

	c.log.Info("pipeline drained", "counters", c.counters.Snapshot())
	return nil
}

func (c *Controller) objectWorker(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for ref := range c.input {
		metrics.InputQueueDepth.Set(float64(len(c.input)))
		c.process(ctx, ref)
	}
}

// process runs fetch-decode-dedup-transform-submit for one object. The whole
// fetch-and-decode runs inside the retry loop; re-reading an object after a
// mid-stream failure is safe because the deduplicator suppresses findings
// already submitted on the earlier pass.
func (c *Controller) process(ctx context.Context, ref model.ObjectRef) {
	// stats accumulate across attempts: findings submitted during a failed
	// pass count as parsed, and their re-pass suppressions as duplicates, so
	// the parsed = duplicates + transformed + errors balance holds.
	var stats decode.Stats
	err := retry.Do(ctx, c.cfg.SourceRetry, func(ctx context.Context) error {
		rc, err := c.deps.Source.Fetch(ctx, ref)
		if err != nil {
			return err
		}
		defer rc.Close()
		s, err := decode.Decode(rc, func(f model.Finding) error {
			return c.submitFinding(f)
		})
		stats.Parsed += s.Parsed
		stats.Malformed += s.Malformed
		stats.Empty += s.Empty
		return err
	}, classifySource)

	metrics.FindingsParsed.Add(float64(stats.Parsed))
	metrics.LinesMalformed.Add(float64(stats.Malformed))
	c.counters.FindingsParsed.Add(uint64(stats.Parsed))
	c.counters.LinesMalformed.Add(uint64(stats.Malformed))

	switch {
	case err == nil:
		c.counters.ObjectsProcessed.Add(1)
		metrics.ObjectsFetched.WithLabelValues("ok").Inc()
		metrics.ObjectBytes.Add(float64(ref.Size))
		c.log.Debug("object processed", "key", ref.Key,
			"parsed", stats.Parsed, "malformed", stats.Malformed)
	case errors.Is(err, s3source.ErrNotFound):
		// deleted between list and fetch; nothing to do
		c.counters.ObjectsSkipped.Add(1)
		metrics.ObjectsFetched.WithLabelValues("not_found").Inc()
		c.log.Debug("object vanished before fetch", "key", ref.Key)
	default:
		c.counters.ObjectsFailed.Add(1)
		metrics.ObjectsFetched.WithLabelValues("error").Inc()
		c.log.Error("object processing failed", "key", ref.Key, "error", err)
		c.sendDeadLetter(ctx, dlTask{env: &deadletter.Envelope{
			Bucket:       ref.Bucket,
			Key:          ref.Key,
			ErrorKind:    objectErrorKind(err),
			ErrorMessage: err.Error(),
			Attempts:     c.cfg.SourceRetry.MaxRetries + 1,
			FirstAttempt: time.Now().UTC(),
			DeadLetters:  time.Now().UTC(),
		}})
	}
}

func (c *Controller) submitFinding(f model.Finding) error {
	if c.deps.Deduper.Seen(f) {
		c.counters.Duplicates.Add(1)
		metrics.FindingsDeduplicated.Inc()
		return nil
	}
	rec, err := c.deps.Transformer.Apply(f)
	if err != nil {
		c.counters.TransformErrors.Add(1)
		metrics.TransformErrors.Inc()
		c.log.Warn("finding rejected by transformer", "finding_id", f.ID, "error", err)
		return nil
	}
	c.counters.Transformed.Add(1)
	metrics.RecordsTransformed.Inc()

	err = c.deps.Batcher.Submit(rec)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, batch.ErrRecordTooLarge):
		c.counters.RecordsOversize.Add(1)
		c.log.Error("record exceeds maximum payload size, dead-lettering",
			"finding_id", f.ID)
		c.sendDeadLetter(context.Background(), dlTask{env: &deadletter.Envelope{
			Records:      []model.Record{rec},
			ErrorKind:    "record-too-large",
			ErrorMessage: err.Error(),
			FirstAttempt: time.Now().UTC(),
			DeadLetters:  time.Now().UTC(),
		}})
		return nil
	default:
		return err
	}
}

func (c *Controller) ingestWorker(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for b := range c.deps.Batcher.Out() {
		metrics.BatchQueueDepth.Set(float64(c.deps.Batcher.QueueDepth()))
		c.ingest(ctx, b)
	}
}

func (c *Controller) ingest(ctx context.Context, b *batch.Batch) {
	b.Transition(batch.StatusInFlight)
	metrics.BatchSizeBytes.Observe(float64(b.Size))

	start := time.Now()
	attempts := 0
	var accepted int

	err := retry.Do(ctx, c.cfg.IngestRetry, func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			c.counters.Retries.Add(1)
			metrics.IngestRetries.Inc()
		}
		err := c.breaker.Execute(func() error {
			res, err := c.deps.Sink.Ingest(ctx, b.Records)
			if err == nil {
				accepted = res.Accepted
			}
			return err
		})
		b.RecordAttempt(err)
		metrics.BreakerState.Set(float64(c.breaker.State()))
		return err
	}, classifyIngest)

	metrics.IngestLatency.Observe(time.Since(start).Seconds())

	if err == nil {
		b.Transition(batch.StatusCompleted)
		c.counters.BatchesCompleted.Add(1)
		c.counters.RecordsIngested.Add(uint64(accepted))
		metrics.RecordsIngested.Add(float64(accepted))
		c.log.Info("batch ingested", "batch_id", b.ID,
			"records", accepted, "attempts", attempts,
			"elapsed", time.Since(start).String())
		return
	}

	b.Transition(batch.StatusFailed)
	kind := "fatal"
	if classifyIngest(err) == retry.ClassRetryable {
		kind = "retries-exhausted"
	}
	c.counters.BatchesFailed.Add(1)
	metrics.IngestFailures.WithLabelValues(kind).Inc()
	c.log.Error("batch failed", "batch_id", b.ID, "kind", kind,
		"attempts", attempts, "error", err)

	c.sendDeadLetter(ctx, dlTask{
		batch: b,
		env: &deadletter.Envelope{
			BatchID:      b.ID,
			Records:      b.Records,
			ErrorKind:    kind,
			ErrorMessage: err.Error(),
			Attempts:     b.Attempts(),
			FirstAttempt: b.FirstSeen,
			DeadLetters:  time.Now().UTC(),
		},
	})
}

// sendDeadLetter blocks rather than drop: losing a dead letter defeats its
// purpose. The queue only backs up if the destination itself is failing.
// The non-blocking attempt comes first because the drain deadline cancels
// the worker context while the dead-letter worker is still consuming; a
// closed Done must not race queue slots that are actually free.
func (c *Controller) sendDeadLetter(ctx context.Context, task dlTask) {
	select {
	case c.dlq <- task:
		return
	default:
	}
	select {
	case c.dlq <- task:
	case <-ctx.Done():
		c.log.Error("dead-letter queue unavailable during shutdown, envelope lost",
			"batch_id", task.env.BatchID, "object_key", task.env.Key)
	}
}

// deadLetterWorker writes envelopes with its own timeout budget, independent
// of pipeline shutdown, so drain-time dead letters still land.
func (c *Controller) deadLetterWorker(wg *sync.WaitGroup) {
	defer wg.Done()
	dest := c.deps.DeadLetter.Name()
	for task := range c.dlq {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := c.deps.DeadLetter.Write(ctx, task.env)
		cancel()
		if err != nil {
			metrics.DeadLettered.WithLabelValues(dest, "error").Inc()
			c.log.Error("dead-letter write failed",
				"destination", dest, "batch_id", task.env.BatchID, "error", err)
			continue
		}
		metrics.DeadLettered.WithLabelValues(dest, "ok").Inc()
		c.counters.DeadLettered.Add(1)
		if task.batch != nil {
			task.batch.Transition(batch.StatusDeadLettered)
		}
	}
}

// classifySource treats the source's named kinds as terminal and everything
// else (network, throttling, mid-stream read errors) as retryable.
func classifySource(err error) retry.Class {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return retry.ClassFatal
	case errors.Is(err, s3source.ErrNotFound),
		errors.Is(err, s3source.ErrAccessDenied),
		errors.Is(err, s3source.ErrDecrypt):
		return retry.ClassFatal
	default:
		return retry.ClassRetryable
	}
}

// classifyIngest adds the breaker's fail-fast error to the standard HTTP
// classification so an open circuit backs off instead of dead-lettering.
func classifyIngest(err error) retry.Class {
	if errors.Is(err, ErrBreakerOpen) {
		return retry.ClassRetryable
	}
	return retry.Classify(err)
}

func objectErrorKind(err error) string {
	switch {
	case errors.Is(err, s3source.ErrAccessDenied):
		return "access-denied"
	case errors.Is(err, s3source.ErrDecrypt):
		return "decrypt"
	default:
		return "source"
	}
}
