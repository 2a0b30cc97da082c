package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"guardbridge/internal/batch"
	"guardbridge/internal/deadletter"
	"guardbridge/internal/dedup"
	"guardbridge/internal/model"
	"guardbridge/internal/retry"
	"guardbridge/internal/sink/azuremonitor"
	s3source "guardbridge/internal/source/s3"
	"guardbridge/internal/transform"
)

type fakeSource struct {
	mu       sync.Mutex
	objects  map[string][]byte
	fetchErr map[string]error
	// partialFirst serves the given prefix then a read error on the first
	// Fetch of a key; later fetches return the full object.
	partialFirst map[string][]byte
	probeErr     error
}

func (s *fakeSource) List(_ context.Context, limit int) ([]model.ObjectRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var refs []model.ObjectRef
	for _, k := range keys {
		refs = append(refs, model.ObjectRef{Bucket: "b", Key: k, ETag: "e1", Size: int64(len(s.objects[k]))})
		if limit > 0 && len(refs) >= limit {
			break
		}
	}
	return refs, nil
}

// errorReader fails the stream mid-read, like a dropped connection.
type errorReader struct{}

func (errorReader) Read([]byte) (int, error) { return 0, fmt.Errorf("connection reset mid-stream") }

func (s *fakeSource) Fetch(_ context.Context, ref model.ObjectRef) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.fetchErr[ref.Key]; ok {
		return nil, err
	}
	if partial, ok := s.partialFirst[ref.Key]; ok {
		delete(s.partialFirst, ref.Key)
		return io.NopCloser(io.MultiReader(bytes.NewReader(partial), errorReader{})), nil
	}
	body, ok := s.objects[ref.Key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", s3source.ErrNotFound, ref.Key)
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (s *fakeSource) Probe(context.Context) error { return s.probeErr }

type fakeSink struct {
	mu       sync.Mutex
	batches  [][]model.Record
	calls    int
	respond  func(call int) error
	probeErr error
}

func (s *fakeSink) Ingest(_ context.Context, records []model.Record) (azuremonitor.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.respond != nil {
		if err := s.respond(s.calls); err != nil {
			return azuremonitor.Result{}, err
		}
	}
	cp := make([]model.Record, len(records))
	copy(cp, records)
	s.batches = append(s.batches, cp)
	return azuremonitor.Result{Accepted: len(records), StatusCode: 204}, nil
}

func (s *fakeSink) Probe(context.Context) error { return s.probeErr }

func (s *fakeSink) received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

type memDeadLetter struct {
	mu   sync.Mutex
	envs []*deadletter.Envelope
}

func (m *memDeadLetter) Name() string { return "memory" }

func (m *memDeadLetter) Write(_ context.Context, env *deadletter.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envs = append(m.envs, env)
	return nil
}

func (m *memDeadLetter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.envs)
}

func findingLine(id string, severity float64) string {
	return fmt.Sprintf(`{"id":%q,"accountId":"123456789012","region":"us-east-1","type":"Recon:EC2/Portscan","severity":%g,"updatedAt":"2026-08-26T10:00:00.000Z"}`, id, severity)
}

func jsonlBody(lines ...string) []byte {
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

type harness struct {
	ctrl   *Controller
	source *fakeSource
	sink   *fakeSink
	dl     *memDeadLetter
	cancel context.CancelFunc
	done   chan error
}

func fastRetry(maxRetries int) retry.Config {
	return retry.Config{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func newHarness(t *testing.T, cfg Config, batchCfg batch.Config) *harness {
	t.Helper()
	src := &fakeSource{objects: map[string][]byte{}, fetchErr: map[string]error{}}
	sk := &fakeSink{}
	dl := &memDeadLetter{}

	tr, err := transform.New(transform.Options{Normalize: true})
	if err != nil {
		t.Fatalf("transform.New: %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	if cfg.SourceRetry.MaxRetries == 0 && cfg.SourceRetry.InitialBackoff == 0 {
		cfg.SourceRetry = fastRetry(2)
	}
	if cfg.IngestRetry.MaxRetries == 0 && cfg.IngestRetry.InitialBackoff == 0 {
		cfg.IngestRetry = fastRetry(2)
	}

	ctrl, err := New(cfg, Deps{
		Source:      src,
		Sink:        sk,
		DeadLetter:  dl,
		Deduper:     dedup.New(dedup.Config{Strategy: dedup.StrategyByID}),
		Transformer: tr,
		Batcher:     batch.New(batchCfg, 8),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{ctrl: ctrl, source: src, sink: sk, dl: dl}
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.ctrl.Run(ctx) }()
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPipelineEndToEnd(t *testing.T) {
	h := newHarness(t, Config{ObjectWorkers: 2, IngestWorkers: 2, ShutdownTimeout: 2 * time.Second},
		batch.Config{MaxRecords: 5, FlushInterval: 30 * time.Millisecond})
	h.source.objects["AWSLogs/1.jsonl"] = jsonlBody(
		findingLine("f-1", 5),
		findingLine("f-2", 8),
		findingLine("f-1", 5), // duplicate id
		findingLine("f-3", 2),
		"not json at all",
		findingLine("f-2", 8), // duplicate id
		findingLine("f-4", 9.5),
	)

	h.start()
	if !h.ctrl.Enqueue(model.ObjectRef{Bucket: "b", Key: "AWSLogs/1.jsonl", ETag: "e1"}) {
		t.Fatal("Enqueue rejected")
	}
	waitFor(t, "4 unique records ingested", func() bool { return h.sink.received() == 4 })
	h.stop(t)

	snap := h.ctrl.counters.Snapshot()
	if snap.FindingsParsed != 6 || snap.LinesMalformed != 1 {
		t.Errorf("parse counters wrong: %+v", snap)
	}
	if snap.Duplicates != 2 || snap.Transformed != 4 {
		t.Errorf("dedup/transform counters wrong: %+v", snap)
	}
	if snap.BatchesCompleted == 0 || snap.RecordsIngested != 4 {
		t.Errorf("ingest counters wrong: %+v", snap)
	}
	if h.dl.count() != 0 {
		t.Errorf("unexpected dead letters: %d", h.dl.count())
	}
	// records carry the flattened shape
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	for _, b := range h.sink.batches {
		for _, r := range b {
			if r.FindingId == "" || r.TimeGenerated == "" || r.RawJson == "" {
				t.Errorf("incomplete record: %+v", r)
			}
		}
	}
}

func TestPipelineTransientErrorsRecover(t *testing.T) {
	h := newHarness(t, Config{ShutdownTimeout: 2 * time.Second, BreakerFailures: 10},
		batch.Config{MaxRecords: 2, FlushInterval: 20 * time.Millisecond})
	h.sink.respond = func(call int) error {
		if call <= 2 {
			return &azuremonitor.StatusError{StatusCode: 503, Body: "unavailable"}
		}
		return nil
	}
	h.source.objects["o1"] = jsonlBody(findingLine("f-10", 3), findingLine("f-11", 4))

	h.start()
	h.ctrl.Enqueue(model.ObjectRef{Bucket: "b", Key: "o1", ETag: "e1"})
	waitFor(t, "batch lands after retries", func() bool { return h.sink.received() == 2 })
	h.stop(t)

	snap := h.ctrl.counters.Snapshot()
	if snap.Retries != 2 {
		t.Errorf("expected 2 retries, got %d", snap.Retries)
	}
	if snap.BatchesFailed != 0 || h.dl.count() != 0 {
		t.Errorf("transient failure should not dead-letter: %+v", snap)
	}
}

func TestPipelineFatalErrorDeadLetters(t *testing.T) {
	h := newHarness(t, Config{ShutdownTimeout: 2 * time.Second},
		batch.Config{MaxRecords: 2, FlushInterval: 20 * time.Millisecond})
	h.sink.respond = func(int) error {
		return &azuremonitor.StatusError{StatusCode: 400, Body: `{"error":"SchemaValidation"}`}
	}
	h.source.objects["o1"] = jsonlBody(findingLine("f-20", 3), findingLine("f-21", 4))

	h.start()
	h.ctrl.Enqueue(model.ObjectRef{Bucket: "b", Key: "o1", ETag: "e1"})
	waitFor(t, "dead letter written", func() bool { return h.dl.count() == 1 })
	h.stop(t)

	env := h.dl.envs[0]
	if env.ErrorKind != "fatal" {
		t.Errorf("kind = %q, want fatal", env.ErrorKind)
	}
	if env.BatchID == "" || len(env.Records) != 2 {
		t.Errorf("envelope incomplete: %+v", env)
	}
	if env.Attempts != 1 {
		t.Errorf("fatal error should not retry, attempts = %d", env.Attempts)
	}
	if h.sink.received() != 0 {
		t.Errorf("no records should have landed")
	}
}

func TestPipelineRetriesExhaustedDeadLetters(t *testing.T) {
	cfg := Config{ShutdownTimeout: 2 * time.Second, BreakerFailures: 100, IngestRetry: fastRetry(1)}
	h := newHarness(t, cfg, batch.Config{MaxRecords: 1, FlushInterval: 20 * time.Millisecond})
	h.sink.respond = func(int) error {
		return &azuremonitor.StatusError{StatusCode: 500, Body: "boom"}
	}
	h.source.objects["o1"] = jsonlBody(findingLine("f-30", 6))

	h.start()
	h.ctrl.Enqueue(model.ObjectRef{Bucket: "b", Key: "o1", ETag: "e1"})
	waitFor(t, "dead letter after exhaustion", func() bool { return h.dl.count() == 1 })
	h.stop(t)

	env := h.dl.envs[0]
	if env.ErrorKind != "retries-exhausted" {
		t.Errorf("kind = %q, want retries-exhausted", env.ErrorKind)
	}
	if env.Attempts != 2 {
		t.Errorf("attempts = %d, want 2 (initial + 1 retry)", env.Attempts)
	}
}

func TestPipelineAccessDeniedObjectDeadLetters(t *testing.T) {
	h := newHarness(t, Config{ShutdownTimeout: 2 * time.Second},
		batch.Config{MaxRecords: 10, FlushInterval: time.Second})
	h.source.fetchErr["locked"] = fmt.Errorf("%w: get locked", s3source.ErrAccessDenied)

	h.start()
	h.ctrl.Enqueue(model.ObjectRef{Bucket: "b", Key: "locked", ETag: "e1"})
	waitFor(t, "object dead letter", func() bool { return h.dl.count() == 1 })
	h.stop(t)

	env := h.dl.envs[0]
	if env.Key != "locked" || env.ErrorKind != "access-denied" {
		t.Errorf("unexpected envelope: %+v", env)
	}
	if len(env.Records) != 0 {
		t.Errorf("object envelope should carry no records")
	}
}

func TestPipelineVanishedObjectSkipped(t *testing.T) {
	h := newHarness(t, Config{ShutdownTimeout: 2 * time.Second},
		batch.Config{MaxRecords: 10, FlushInterval: time.Second})

	h.start()
	h.ctrl.Enqueue(model.ObjectRef{Bucket: "b", Key: "gone", ETag: "e1"})
	waitFor(t, "object skipped", func() bool {
		return h.ctrl.counters.ObjectsSkipped.Load() == 1
	})
	h.stop(t)

	if h.dl.count() != 0 {
		t.Errorf("vanished object must not dead-letter")
	}
}

func TestEnqueueBusySignal(t *testing.T) {
	h := newHarness(t, Config{QueueDepth: 1}, batch.Config{})
	// no Run: nothing drains the queue
	if !h.ctrl.Enqueue(model.ObjectRef{Key: "a", ETag: "1"}) {
		t.Fatal("first Enqueue should succeed")
	}
	if h.ctrl.Enqueue(model.ObjectRef{Key: "b", ETag: "1"}) {
		t.Fatal("second Enqueue should report busy")
	}
}

func TestEnqueueSuppressesRelistedKeys(t *testing.T) {
	h := newHarness(t, Config{QueueDepth: 8}, batch.Config{})
	ref := model.ObjectRef{Key: "a", ETag: "1"}
	if !h.ctrl.Enqueue(ref) || !h.ctrl.Enqueue(ref) {
		t.Fatal("both Enqueues should report accepted")
	}
	if got := h.ctrl.counters.ObjectsSuppressed.Load(); got != 1 {
		t.Errorf("suppressed = %d, want 1", got)
	}
	if len(h.ctrl.input) != 1 {
		t.Errorf("queue depth = %d, want 1", len(h.ctrl.input))
	}
	// same key, new content: fetched again
	if !h.ctrl.Enqueue(model.ObjectRef{Key: "a", ETag: "2"}) {
		t.Fatal("rewritten object should enqueue")
	}
	if len(h.ctrl.input) != 2 {
		t.Errorf("queue depth = %d, want 2", len(h.ctrl.input))
	}
}

func TestPollOnceEnqueuesOnlyNewObjects(t *testing.T) {
	h := newHarness(t, Config{QueueDepth: 8}, batch.Config{})
	h.source.objects["k1"] = jsonlBody(findingLine("f-1", 1))
	h.source.objects["k2"] = jsonlBody(findingLine("f-2", 1))

	n, err := h.ctrl.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if n != 2 {
		t.Fatalf("first sweep enqueued %d, want 2", n)
	}
	n, err = h.ctrl.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if n != 0 {
		t.Errorf("second sweep enqueued %d, want 0", n)
	}
}

func TestDrainFlushesPartialBatch(t *testing.T) {
	h := newHarness(t, Config{ShutdownTimeout: 2 * time.Second},
		batch.Config{MaxRecords: 100, FlushInterval: time.Hour})
	h.source.objects["o1"] = jsonlBody(findingLine("f-40", 1), findingLine("f-41", 2), findingLine("f-42", 3))

	h.start()
	h.ctrl.Enqueue(model.ObjectRef{Bucket: "b", Key: "o1", ETag: "e1"})
	waitFor(t, "records transformed", func() bool {
		return h.ctrl.counters.Transformed.Load() == 3
	})
	h.stop(t)

	if got := h.sink.received(); got != 3 {
		t.Errorf("drain should flush the partial batch, got %d records", got)
	}
}

func TestHealthReflectsProbesAndBreaker(t *testing.T) {
	h := newHarness(t, Config{}, batch.Config{})
	h.ctrl.runProbes(context.Background())
	if got := h.ctrl.Health().Status; got != StatusHealthy {
		t.Fatalf("status = %q, want healthy", got)
	}

	h.sink.probeErr = fmt.Errorf("dial tcp: connection refused")
	h.ctrl.runProbes(context.Background())
	if got := h.ctrl.Health().Status; got != StatusDegraded {
		t.Errorf("one failing probe should degrade, got %q", got)
	}

	h.source.probeErr = fmt.Errorf("dial tcp: connection refused")
	h.ctrl.runProbes(context.Background())
	if got := h.ctrl.Health().Status; got != StatusUnhealthy {
		t.Errorf("both probes failing should be unhealthy, got %q", got)
	}
}

func TestReadyFalseWhileDraining(t *testing.T) {
	h := newHarness(t, Config{ShutdownTimeout: time.Second}, batch.Config{FlushInterval: 20 * time.Millisecond})
	h.start()
	if !h.ctrl.Ready() {
		t.Fatal("running controller should be ready")
	}
	h.stop(t)
	if h.ctrl.Ready() {
		t.Error("drained controller should not be ready")
	}
	if h.ctrl.Enqueue(model.ObjectRef{Key: "late", ETag: "1"}) {
		t.Error("Enqueue after drain should be rejected")
	}
}

func TestSendDeadLetterSurvivesCanceledContext(t *testing.T) {
	h := newHarness(t, Config{}, batch.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	want := cap(h.ctrl.dlq)
	for i := 0; i < want; i++ {
		h.ctrl.sendDeadLetter(ctx, dlTask{env: &deadletter.Envelope{Key: fmt.Sprintf("k-%d", i)}})
	}
	if got := len(h.ctrl.dlq); got != want {
		t.Fatalf("queued %d of %d envelopes with free queue slots", got, want)
	}
}

func TestDrainDeadlineDeadLettersQueuedBatches(t *testing.T) {
	cfg := Config{
		ShutdownTimeout: 50 * time.Millisecond,
		BreakerFailures: 100,
		IngestRetry: retry.Config{
			MaxRetries:     10,
			InitialBackoff: 300 * time.Millisecond,
			MaxBackoff:     500 * time.Millisecond,
		},
	}
	h := newHarness(t, cfg, batch.Config{MaxRecords: 1, FlushInterval: 10 * time.Millisecond})
	h.sink.respond = func(int) error {
		return &azuremonitor.StatusError{StatusCode: 503, Body: "unavailable"}
	}
	h.source.objects["o1"] = jsonlBody(
		findingLine("f-50", 1), findingLine("f-51", 2), findingLine("f-52", 3))

	h.start()
	h.ctrl.Enqueue(model.ObjectRef{Bucket: "b", Key: "o1", ETag: "e1"})
	waitFor(t, "every batch in its retry loop", func() bool {
		h.sink.mu.Lock()
		defer h.sink.mu.Unlock()
		return h.sink.calls >= 3
	})
	h.stop(t)

	if got := h.dl.count(); got != 3 {
		t.Fatalf("dead letters = %d, want all 3 batches", got)
	}
	total := 0
	for _, env := range h.dl.envs {
		total += len(env.Records)
		if env.ErrorKind != "retries-exhausted" {
			t.Errorf("kind = %q, want retries-exhausted", env.ErrorKind)
		}
	}
	if total != 3 {
		t.Errorf("dead-lettered records = %d, want 3", total)
	}
	if h.sink.received() != 0 {
		t.Errorf("no records should have landed")
	}
}

func TestRetriedObjectKeepsCountersBalanced(t *testing.T) {
	h := newHarness(t, Config{ShutdownTimeout: 2 * time.Second},
		batch.Config{MaxRecords: 10, FlushInterval: 20 * time.Millisecond})
	h.source.objects["o1"] = jsonlBody(
		findingLine("f-60", 1), findingLine("f-61", 2), findingLine("f-62", 3))
	// first fetch dies after two complete lines; the retry re-reads the object
	h.source.partialFirst = map[string][]byte{
		"o1": jsonlBody(findingLine("f-60", 1), findingLine("f-61", 2)),
	}

	h.start()
	h.ctrl.Enqueue(model.ObjectRef{Bucket: "b", Key: "o1", ETag: "e1"})
	waitFor(t, "3 unique records ingested", func() bool { return h.sink.received() == 3 })
	h.stop(t)

	snap := h.ctrl.counters.Snapshot()
	if snap.FindingsParsed != 5 {
		t.Errorf("parsed = %d, want 5 (2 on the failed pass + 3 on the re-read)", snap.FindingsParsed)
	}
	if snap.Duplicates != 2 || snap.Transformed != 3 {
		t.Errorf("duplicates = %d transformed = %d, want 2 and 3", snap.Duplicates, snap.Transformed)
	}
	if snap.FindingsParsed != snap.Duplicates+snap.Transformed+snap.TransformErrors {
		t.Errorf("counters out of balance: %+v", snap)
	}
	if snap.ObjectsFailed != 0 || h.dl.count() != 0 {
		t.Errorf("recovered object must not dead-letter: %+v", snap)
	}
}
