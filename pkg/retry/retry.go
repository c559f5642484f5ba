// Package retry is the single retry combinator shared by page fetching, LLM
// calls, and the synthesis condense bound: N attempts with base^attempt
// exponential backoff between failures.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes an attempt budget.
type Policy struct {
	MaxAttempts int
	// InitialInterval is the sleep after the first failure; each further
	// failure multiplies it by Multiplier.
	InitialInterval time.Duration
	Multiplier      float64
}

// DefaultPolicy matches the crawler's fetch retry: 3 attempts, 1s then 2s.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, InitialInterval: time.Second, Multiplier: 2}
}

// Do runs op until it succeeds, the attempt budget is exhausted, or the
// context is cancelled. The last error is returned wrapped with the attempt
// count.
func Do(ctx context.Context, p Policy, op func() error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.Multiplier = p.Multiplier
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("after %d attempts: %w", p.MaxAttempts, err)
	}
	return nil
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func() error {
		v, err := op()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
