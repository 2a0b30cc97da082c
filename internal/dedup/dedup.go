// Package dedup suppresses findings already observed within the active
// window. State is process-lifetime only: a restart re-opens the window and
// operators must tolerate the bounded duplication that follows.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"guardbridge/internal/model"
)

// Strategy selects how the dedup key is derived from a finding.
type Strategy int

const (
	// StrategyByID keys on the finding id.
	StrategyByID Strategy = iota
	// StrategyContentHash keys on a sha256 of the canonicalized finding.
	StrategyContentHash
	// StrategyTimeWindow keys on id plus the updatedAt time bucket, for
	// feeds where the same id legitimately recurs across update events.
	StrategyTimeWindow
)

// ParseStrategy maps the config string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "by-id", "byid", "id":
		return StrategyByID, nil
	case "content-hash", "contenthash", "hash":
		return StrategyContentHash, nil
	case "time-window", "timewindow", "window":
		return StrategyTimeWindow, nil
	}
	return 0, fmt.Errorf("unknown deduplication strategy %q", s)
}

func (s Strategy) String() string {
	switch s {
	case StrategyContentHash:
		return "content-hash"
	case StrategyTimeWindow:
		return "time-window"
	default:
		return "by-id"
	}
}

// Deduper is a bounded, windowed set of seen finding keys. Safe for
// concurrent use.
type Deduper struct {
	strategy Strategy
	window   time.Duration
	keys     *KeySet
	now      func() time.Time
	disabled bool
}

// Config sizes and shapes a Deduper.
type Config struct {
	Strategy Strategy
	Window   time.Duration // 0 disables expiry
	Capacity int
	// Disabled turns Seen into a no-op that reports every finding as new.
	Disabled bool
}

// New builds a Deduper. Capacity defaults to 10000 entries.
func New(cfg Config) *Deduper {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10000
	}
	return &Deduper{
		strategy: cfg.Strategy,
		window:   cfg.Window,
		keys:     NewKeySet(cfg.Capacity, cfg.Window),
		now:      time.Now,
		disabled: cfg.Disabled,
	}
}

// Seen reports whether the finding was already observed within the window,
// recording it atomically when it was not.
func (d *Deduper) Seen(f model.Finding) bool {
	if d.disabled {
		return false
	}
	return !d.keys.Add(d.key(f))
}

// Filter returns the subset of findings not previously observed, in input
// order, recording each newly-seen key.
func (d *Deduper) Filter(findings []model.Finding) []model.Finding {
	out := findings[:0:0]
	for _, f := range findings {
		if !d.Seen(f) {
			out = append(out, f)
		}
	}
	return out
}

// Len returns the number of live entries.
func (d *Deduper) Len() int { return d.keys.Len() }

func (d *Deduper) key(f model.Finding) string {
	switch d.strategy {
	case StrategyContentHash:
		return contentHash(f.Raw)
	case StrategyTimeWindow:
		return f.ID + "|" + strconv.FormatInt(d.bucket(f.UpdatedAt), 10)
	default:
		return f.ID
	}
}

// bucket floors updatedAt onto the window grid. Unparseable timestamps land
// in bucket zero so repeated bad input still dedups by id.
func (d *Deduper) bucket(updatedAt string) int64 {
	if d.window <= 0 {
		return 0
	}
	t, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		t, err = time.Parse(time.RFC3339, updatedAt)
		if err != nil {
			return 0
		}
	}
	return t.UnixNano() / int64(d.window)
}

// contentHash hashes the canonical form of the finding JSON: object keys
// sorted, insignificant whitespace removed. encoding/json emits map keys in
// sorted order, which supplies the canonicalization.
func contentHash(raw []byte) string {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		sum := sha256.Sum256(raw)
		return hex.EncodeToString(sum[:])
	}
	canon, err := json.Marshal(v)
	if err != nil {
		sum := sha256.Sum256(raw)
		return hex.EncodeToString(sum[:])
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}
