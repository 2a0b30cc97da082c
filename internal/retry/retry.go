// Package retry runs fallible operations under exponential backoff with
// jitter, driven by an error classifier.
package retry

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Class is the classifier verdict for a failure.
type Class int

const (
	// ClassRetryable failures are retried until attempts run out.
	ClassRetryable Class = iota
	// ClassFatal failures surface immediately.
	ClassFatal
	// ClassRefreshToken failures trigger one credential refresh and count
	// as a retry attempt; a second in a row is fatal.
	ClassRefreshToken
)

// Classifier maps an error to a Class.
type Classifier func(error) Class

// statusCoder is implemented by HTTP-shaped errors (see the sink client).
type statusCoder interface{ HTTPStatus() int }

// retryAfterer exposes a server-mandated minimum delay (429 Retry-After).
type retryAfterer interface{ RetryAfterDelay() time.Duration }

// Config shapes the backoff schedule.
type Config struct {
	MaxRetries     int           // retries after the first attempt, 0-10
	InitialBackoff time.Duration // first delay before jitter
	MaxBackoff     time.Duration // delay ceiling
	Multiplier     float64
	// OnAuthRetry refreshes credentials before a ClassRefreshToken retry.
	OnAuthRetry func(context.Context) error
}

func (c Config) withDefaults() Config {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2
	}
	return c
}

// Do invokes op, retrying per the classifier. The delay before attempt n is
// min(maxBackoff, initial*multiplier^n) scaled by a random factor in
// [0.5, 1.5); a server Retry-After takes precedence when longer. Waits and
// attempts abort when ctx is done. The last error is returned when attempts
// are exhausted.
func Do(ctx context.Context, cfg Config, op func(context.Context) error, classify Classifier) error {
	cfg = cfg.withDefaults()
	if classify == nil {
		classify = Classify
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialBackoff
	bo.RandomizationFactor = 0.5
	bo.Multiplier = cfg.Multiplier
	bo.MaxInterval = cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	refreshed := false
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		switch classify(lastErr) {
		case ClassFatal:
			return lastErr
		case ClassRefreshToken:
			if refreshed {
				return lastErr
			}
			refreshed = true
			if cfg.OnAuthRetry != nil {
				if err := cfg.OnAuthRetry(ctx); err != nil {
					return err
				}
			}
		default:
			refreshed = false
		}

		if attempt == cfg.MaxRetries {
			break
		}
		wait := bo.NextBackOff()
		var ra retryAfterer
		if errors.As(lastErr, &ra) && ra.RetryAfterDelay() > wait {
			wait = ra.RetryAfterDelay()
		}
		if err := sleep(ctx, wait); err != nil {
			return lastErr
		}
	}
	return lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Classify is the default classifier: transient network failures and the
// usual transient HTTP statuses retry, 401 asks for a token refresh,
// everything else client-shaped is fatal.
func Classify(err error) Class {
	if err == nil {
		return ClassFatal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassFatal
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		switch code := sc.HTTPStatus(); {
		case code == 401:
			return ClassRefreshToken
		case code == 408 || code == 429:
			return ClassRetryable
		case code >= 500:
			return ClassRetryable
		case code >= 400:
			return ClassFatal
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassRetryable
	}

	msg := err.Error()
	if strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection") ||
		strings.Contains(msg, "temporary") ||
		strings.Contains(msg, "rate-limited") ||
		strings.Contains(msg, "service-unavailable") {
		return ClassRetryable
	}
	return ClassFatal
}
