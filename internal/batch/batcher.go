// Package batch accumulates records into size- and age-bounded batches.
package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"guardbridge/internal/model"
)

// HardLimitBytes is the Azure Logs Ingestion API request ceiling.
const HardLimitBytes = 30 * 1024 * 1024

// DefaultSoftLimitBytes keeps emitted batches comfortably under the hard
// limit so header and framing overhead never tips a request over.
const DefaultSoftLimitBytes = 25 * 1024 * 1024

// ErrRecordTooLarge marks a single record whose serialized form cannot fit
// any batch. Callers dead-letter the record rather than retry.
var ErrRecordTooLarge = errors.New("record exceeds maximum batch size")

// ErrClosed is returned by Submit after the batcher has drained.
var ErrClosed = errors.New("batcher closed")

// Config sizes the batcher.
type Config struct {
	MaxRecords     int           // count trigger, 1-2000
	SoftLimitBytes int           // size trigger, below HardLimitBytes
	FlushInterval  time.Duration // age trigger for partial batches
}

// Batcher owns a single collector goroutine that accumulates submitted
// records and emits batches in FIFO order. Submit blocks when the output
// channel is full, which is the pipeline's backpressure path.
type Batcher struct {
	cfg    Config
	in     chan sizedRecord
	out    chan *Batch
	done   chan struct{}
	closed sync.Once

	mu     sync.RWMutex
	draino bool
}

type sizedRecord struct {
	rec  model.Record
	size int
}

// New builds a Batcher emitting onto a bounded channel of the given depth.
// Start must be called before Submit.
func New(cfg Config, queueDepth int) *Batcher {
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 500
	}
	if cfg.SoftLimitBytes <= 0 || cfg.SoftLimitBytes > HardLimitBytes {
		cfg.SoftLimitBytes = DefaultSoftLimitBytes
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if queueDepth <= 0 {
		queueDepth = 16
	}
	return &Batcher{
		cfg:  cfg,
		in:   make(chan sizedRecord, cfg.MaxRecords),
		out:  make(chan *Batch, queueDepth),
		done: make(chan struct{}),
	}
}

// Start launches the collector goroutine.
func (b *Batcher) Start() {
	go b.collect()
}

// Out is the stream of emitted batches. Closed after Close once the final
// partial batch has been flushed.
func (b *Batcher) Out() <-chan *Batch { return b.out }

// QueueDepth reports how many emitted batches are waiting for pickup.
func (b *Batcher) QueueDepth() int { return len(b.out) }

// QueueCapacity reports the emitted batch queue bound.
func (b *Batcher) QueueCapacity() int { return cap(b.out) }

// Submit hands one record to the collector. It serializes the record to
// size it; a record that can never fit a batch fails with ErrRecordTooLarge.
func (b *Batcher) Submit(rec model.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	// "[" + record + "]" must stay within the hard limit.
	if len(data)+2 > HardLimitBytes {
		return fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(data))
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.draino {
		return ErrClosed
	}
	b.in <- sizedRecord{rec: rec, size: len(data)}
	return nil
}

// Close drains the batcher: no further submissions are accepted, the
// current partial batch is flushed, and Out is closed.
func (b *Batcher) Close() {
	b.closed.Do(func() {
		b.mu.Lock()
		b.draino = true
		b.mu.Unlock()
		close(b.in)
		<-b.done
	})
}

// collect is the single goroutine that owns the open batch, giving atomic
// buffer swaps without holding locks across channel sends.
func (b *Batcher) collect() {
	defer close(b.done)
	defer close(b.out)

	var (
		records []model.Record
		size    int
		started time.Time
	)

	ticker := time.NewTicker(b.cfg.FlushInterval / 4)
	defer ticker.Stop()

	flush := func() {
		if len(records) == 0 {
			return
		}
		// n-1 commas plus the surrounding brackets.
		serialized := size + len(records) - 1 + 2
		b.out <- &Batch{
			ID:        uuid.NewString(),
			Records:   records,
			Size:      serialized,
			FirstSeen: started,
			status:    StatusPending,
		}
		records = nil
		size = 0
	}

	for {
		select {
		case sr, ok := <-b.in:
			if !ok {
				flush()
				return
			}
			// Emit first when this record would cross a trigger.
			if len(records) > 0 && size+sr.size+len(records)+2 > b.cfg.SoftLimitBytes {
				flush()
			}
			if len(records) == 0 {
				started = time.Now()
			}
			records = append(records, sr.rec)
			size += sr.size
			if len(records) >= b.cfg.MaxRecords {
				flush()
			}
		case <-ticker.C:
			if len(records) > 0 && time.Since(started) >= b.cfg.FlushInterval {
				flush()
			}
		}
	}
}
