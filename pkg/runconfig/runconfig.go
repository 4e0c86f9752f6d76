// Package runconfig defines RunConfig, the set of tunables a caller may
// supply at Run creation (SPEC_FULL.md §3), along with its defaults and
// validation. Shaped after pkg/config/queue.go's QueueConfig struct and
// DefaultQueueConfig() function in the teacher repo.
package runconfig

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// RunConfig holds every option the orchestrator consults while driving
// a single Run. Zero value is invalid; always obtain one via
// DefaultRunConfig and override fields explicitly.
type RunConfig struct {
	MaxScenarios        int           `json:"maxScenarios" validate:"gte=0"`
	MaxStepsPerScenario int           `json:"maxStepsPerScenario" validate:"gte=1"`
	ParallelExecution   bool          `json:"parallelExecution"`
	StopOnFirstFailure  bool          `json:"stopOnFirstFailure"`
	AIConcurrency       int           `json:"aiConcurrency" validate:"gte=1"`
	ExecConcurrency     int           `json:"execConcurrency" validate:"gte=1"`
	StepTimeout         time.Duration `json:"stepTimeoutMs" validate:"gt=0"`
	AIVerifyRetries     int           `json:"aiVerifyRetries" validate:"gte=0"`

	// MaxRetries is the Step Executor's transport-level retry budget
	// (SPEC_FULL.md §4.3 step 5); not part of the spec's RunConfig
	// table but required by the Step Executor contract, so it lives
	// here alongside the other execution knobs rather than as a
	// separate policy struct.
	MaxRetries int `json:"maxRetries" validate:"gte=0"`

	// AllowInternal disables the SSRF guard for trusted test
	// environments (SPEC_FULL.md §4.3 step 3).
	AllowInternal bool `json:"allowInternal"`

	// CoverageThreshold is the minimum coverage percentage (0..1) for
	// a zero-failure Run to be graded PASS rather than INCONCLUSIVE
	// (SPEC_FULL.md §4.8).
	CoverageThreshold float64 `json:"coverageThreshold" validate:"gte=0,lte=1"`
}

// DefaultRunConfig returns the defaults enumerated in SPEC_FULL.md §3.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		MaxScenarios:        10,
		MaxStepsPerScenario: 10,
		ParallelExecution:   true,
		StopOnFirstFailure:  true,
		AIConcurrency:       5,
		ExecConcurrency:     10,
		StepTimeout:         30 * time.Second,
		AIVerifyRetries:     2,
		MaxRetries:          3,
		AllowInternal:       false,
		CoverageThreshold:   0.80,
	}
}

var validate = validator.New()

// Validate checks field constraints and returns an aggregated error
// naming every violated field, matching the fail-fast-but-report-all
// style of pkg/config/validator.go's ValidateAll.
func (c RunConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid run config: %w", err)
	}
	return nil
}
