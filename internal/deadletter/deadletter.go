// Package deadletter persists batches and object references that exhausted
// their retries, with enough failure context to triage or replay them.
package deadletter

import (
	"context"
	"log/slog"
	"time"

	"guardbridge/internal/model"
)

// Envelope is the durable dead-letter unit. Either Records (a failed batch)
// or Bucket/Key (an unreadable object) is populated.
type Envelope struct {
	BatchID      string         `json:"batchId,omitempty"`
	Records      []model.Record `json:"records,omitempty"`
	Bucket       string         `json:"bucket,omitempty"`
	Key          string         `json:"key,omitempty"`
	ErrorKind    string         `json:"errorKind"`
	ErrorMessage string         `json:"errorMessage"`
	Attempts     int            `json:"attempts"`
	FirstAttempt time.Time      `json:"firstAttempt"`
	DeadLetters  time.Time      `json:"deadLetteredAt"`
}

// Sink durably records envelopes. A Write failure is logged and counted by
// the caller; the pipeline always continues.
type Sink interface {
	Write(ctx context.Context, env *Envelope) error
	Name() string
}

// Drop is the destination of last resort: it logs the loss and succeeds.
type Drop struct {
	Logger *slog.Logger
}

func (d *Drop) Name() string { return "drop" }

func (d *Drop) Write(_ context.Context, env *Envelope) error {
	if d.Logger != nil {
		d.Logger.Warn("dead-letter destination not configured, dropping batch",
			"batch_id", env.BatchID,
			"records", len(env.Records),
			"object_key", env.Key,
			"error_kind", env.ErrorKind,
			"error", env.ErrorMessage)
	}
	return nil
}
