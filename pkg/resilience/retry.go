package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy configures the exponential-backoff retry loop wrapping a
// single call. Defaults match the Step Executor's transport-retry
// behavior in SPEC_FULL.md §4.3 step 5 (base 100ms, factor 2, jitter
// ±20%); the same shape is reused for AI calls with a different
// Retryable predicate and attempt budget per §4.10.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	Jitter      float64 // fractional, e.g. 0.2 for ±20%
	Retryable   func(error) bool
}

// DefaultStepRetryPolicy matches SPEC_FULL.md §4.3 step 5 exactly.
func DefaultStepRetryPolicy(maxAttempts int, retryable func(error) bool) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   100 * time.Millisecond,
		Factor:      2,
		Jitter:      0.2,
		Retryable:   retryable,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.Multiplier = p.Factor
	eb.RandomizationFactor = p.Jitter
	eb.MaxElapsedTime = 0 // bounded by MaxAttempts below, not by elapsed time
	var b backoff.BackOff = eb
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts))
	}
	return backoff.WithContext(b, ctx)
}

// retryWithBackoff runs fn, retrying per p until it succeeds, the
// error is classified non-retryable, or the attempt budget/context is
// exhausted. Each attempt's error is reported via onAttempt if
// non-nil, mirroring the teacher's "log an attempt record" requirement
// (SPEC_FULL.md §4.3 step 6).
func retryWithBackoff[T any](ctx context.Context, p RetryPolicy, onAttempt func(attempt int, err error), fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	attempt := 0

	operation := func() error {
		attempt++
		var err error
		result, err = fn(ctx)
		if err != nil && onAttempt != nil {
			onAttempt(attempt, err)
		}
		if err != nil && p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(operation, p.backOff(ctx))
	return result, err
}

// jitterDuration is retained for components that need a one-shot
// jittered delay outside the backoff.Retry loop (e.g. the orchestrator's
// worker poll interval), matching pkg/queue/worker.go's pollInterval
// jitter pattern.
func jitterDuration(base time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return base
	}
	delta := float64(base) * fraction
	offset := (rand.Float64()*2 - 1) * delta
	return base + time.Duration(offset)
}
