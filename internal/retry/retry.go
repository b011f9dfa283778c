// Package retry provides a small context-aware backoff helper. Its only
// caller is the engine's commit-log copy step; storage reads and database
// calls are not retried through it.
// Grounded on the teacher's internal/sorter.pollBatchCompletion, which
// already does the select-on-ctx.Done-then-sleep shape this generalises.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy bounds a retry loop: at most Attempts tries total, waiting
// Backoff between each (spec.md §4.I: "retry up to 3 times with a
// 1-second backoff").
type Policy struct {
	Attempts int
	Backoff  time.Duration
}

// ErrExhausted wraps the last error once Attempts tries have all failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Do runs fn up to p.Attempts times, waiting p.Backoff between tries,
// returning nil on the first success. It stops early and returns the
// context's error if ctx is cancelled while waiting. The final error is
// wrapped with ErrExhausted so callers can distinguish "gave up" from a
// single-shot failure.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == p.Attempts {
			break
		}

		timer := time.NewTimer(p.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.Attempts, lastErr)
}
