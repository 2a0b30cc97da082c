package deadletter

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SpillSink writes one gzip-compressed JSON file per envelope to a local
// directory. Files land via temp-name-then-rename so a crash mid-write never
// leaves a partial file with the final extension.
type SpillSink struct {
	dir    string
	logger *slog.Logger
}

const spillExt = ".dlq.json.gz"

func NewSpillSink(dir string, logger *slog.Logger) (*SpillSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("deadletter: spill directory not set")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("deadletter: create spill dir: %w", err)
	}
	return &SpillSink{dir: dir, logger: logger}, nil
}

func (s *SpillSink) Name() string { return "spill" }

func (s *SpillSink) Write(_ context.Context, env *Envelope) error {
	name := fmt.Sprintf("%s-%s%s", stamp(env.DeadLetters), uuid.NewString(), spillExt)
	tmp := filepath.Join(s.dir, name+".tmp")

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return fmt.Errorf("deadletter: open spill file: %w", err)
	}
	gz := gzip.NewWriter(f)
	encErr := json.NewEncoder(gz).Encode(env)
	if err := gz.Close(); encErr == nil {
		encErr = err
	}
	if err := f.Close(); encErr == nil {
		encErr = err
	}
	if encErr != nil {
		os.Remove(tmp)
		return fmt.Errorf("deadletter: write spill file: %w", encErr)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("deadletter: finalize spill file: %w", err)
	}
	if s.logger != nil {
		s.logger.Info("batch spilled to dead-letter directory",
			"file", name, "batch_id", env.BatchID, "records", len(env.Records))
	}
	return nil
}

// List returns the spill file names in the directory, oldest first by the
// timestamp prefix in the name.
func (s *SpillSink) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("deadletter: read spill dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), spillExt) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Read loads a single spilled envelope by file name.
func (s *SpillSink) Read(name string) (*Envelope, error) {
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("deadletter: open spill file: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("deadletter: decompress spill file: %w", err)
	}
	defer gz.Close()

	var env Envelope
	if err := json.NewDecoder(gz).Decode(&env); err != nil {
		return nil, fmt.Errorf("deadletter: decode spill file: %w", err)
	}
	return &env, nil
}

// Remove deletes a spill file after a successful replay.
func (s *SpillSink) Remove(name string) error {
	return os.Remove(filepath.Join(s.dir, name))
}

var _ Sink = (*SpillSink)(nil)

// stamp is split out so tests can pin the file-name prefix.
func stamp(t time.Time) string { return t.UTC().Format("20060102T150405") }
