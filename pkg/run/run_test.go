package run

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTransition_HappyPath(t *testing.T) {
	r := New("checkout smoke", "test the checkout API", "https://api.example.com", SpecSourceURL, "https://api.example.com/openapi.json", ModeStandard, RunConfigRef{}, "test-harness")
	require.Equal(t, Requested, r.Status)

	steps := []Status{SpecFetched, AISuccess, ExecutionInProgress, ExecutionComplete, QAEvalInProgress, QAEvalDone, Complete}
	for _, s := range steps {
		require.NoError(t, r.Transition(s, time.Now()))
	}
	require.Equal(t, Complete, r.Status)
	require.NotNil(t, r.CompletedAt)
	require.NotNil(t, r.DurationMs)
}

func TestTransition_IllegalSkip(t *testing.T) {
	r := New("n", "r", "https://x", SpecSourceInline, "{}", ModeStandard, RunConfigRef{}, "t")
	err := r.Transition(ExecutionInProgress, time.Now())
	require.Error(t, err)
	var invalidErr *InvalidTransitionError
	require.ErrorAs(t, err, &invalidErr)
	require.Equal(t, Requested, r.Status) // prior state intact
}

func TestTransition_CancelFromAnyNonTerminal(t *testing.T) {
	for _, s := range []Status{Requested, SpecFetched, AISuccess, ExecutionInProgress, ExecutionComplete, QAEvalInProgress, QAEvalDone} {
		require.True(t, CanTransition(s, Cancelled), "expected cancel to be legal from %s", s)
	}
}

func TestTransition_TerminalRejectsFurtherTransitions(t *testing.T) {
	r := New("n", "r", "https://x", SpecSourceInline, "{}", ModeStandard, RunConfigRef{}, "t")
	require.NoError(t, r.Transition(FailedSpecFetch, time.Now()))
	err := r.Transition(SpecFetched, time.Now())
	require.Error(t, err)
	require.Equal(t, FailedSpecFetch, r.Status)
}

func TestIsTerminal(t *testing.T) {
	require.True(t, IsTerminal(Complete))
	require.True(t, IsTerminal(Cancelled))
	require.False(t, IsTerminal(AISuccess))
}
