package resilience

import (
	"time"

	"github.com/sony/gobreaker"
)

// NewCircuitBreaker builds a count-based circuit breaker: failure-rate
// threshold 50%, minimum 5 calls before tripping, 30s open duration, 3
// half-open trial permits. The counts cover every call since the last
// state change; with Interval 0 they are never cleared while closed, so
// there is no sliding window.
func NewCircuitBreaker(name string) *gobreaker.CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    0, // no periodic reset of the closed-state counters
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.5
		},
	}
	return gobreaker.NewCircuitBreaker(settings)
}
