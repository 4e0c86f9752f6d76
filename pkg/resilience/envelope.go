package resilience

import (
	"context"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Policy composes the five stages of the Resilience Envelope around a
// single class of call (AI generation, or outbound SUT HTTP), applied
// outermost-to-innermost: Bulkhead → Rate Limiter → Circuit Breaker →
// Retry → target call. Fallback is invoked only when the breaker is
// open and only if configured (AI calls only, per SPEC_FULL.md §4.10).
type Policy struct {
	Bulkhead *Bulkhead
	Limiter  *rate.Limiter
	Breaker  *gobreaker.CircuitBreaker
	Retry    RetryPolicy
	// OnAttempt is called after every retry attempt, successful or not.
	OnAttempt func(attempt int, err error)
}

// NewPolicy builds a Policy from the given concurrency limit, token
// bucket, and retry classification, with no breaker (breakers are
// opt-in via WithBreaker since not every call site needs one — the
// Scenario Executor's per-step HTTP calls do, the AI client does too,
// but a unit test harness calling Execute directly may not).
func NewPolicy(maxConcurrent int, limiter *rate.Limiter, retry RetryPolicy) *Policy {
	return &Policy{
		Bulkhead: NewBulkhead(maxConcurrent),
		Limiter:  limiter,
		Retry:    retry,
	}
}

// WithBreaker attaches a circuit breaker to the policy and returns it
// for chaining.
func (p *Policy) WithBreaker(b *gobreaker.CircuitBreaker) *Policy {
	p.Breaker = b
	return p
}

// Execute runs fn through the full envelope. Fallback is the caller's
// responsibility: Execute returns the breaker's ErrOpenState (wrapped)
// when the breaker short-circuits, and callers that have a fallback
// value (AI Client + Verifier does; the Step Executor does not) invoke
// it themselves on that error, per SPEC_FULL.md §4.10's "the run
// continues but is marked with reduced quality" requirement — which
// only makes sense at the call site that knows the domain-specific
// fallback shape.
func Execute[T any](ctx context.Context, p *Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if p.Bulkhead != nil {
		if err := p.Bulkhead.Acquire(ctx); err != nil {
			return zero, err
		}
		defer p.Bulkhead.Release()
	}

	if p.Limiter != nil {
		if err := p.Limiter.Wait(ctx); err != nil {
			return zero, err
		}
	}

	attempted := func(ctx context.Context) (T, error) {
		return retryWithBackoff(ctx, p.Retry, p.OnAttempt, fn)
	}

	if p.Breaker == nil {
		return attempted(ctx)
	}

	result, err := p.Breaker.Execute(func() (interface{}, error) {
		return attempted(ctx)
	})
	if v, ok := result.(T); ok {
		return v, err
	}
	// Breaker short-circuited before calling attempted (e.g. ErrOpenState)
	// so result never held a T; surface the zero value and the error.
	return zero, err
}
