package scenarioexec

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hermanngeorge15/qawave-core/pkg/httpexec"
	"github.com/hermanngeorge15/qawave-core/pkg/scenario"
	"github.com/stretchr/testify/require"
)

func policy() httpexec.Policy {
	return httpexec.Policy{StepTimeout: 2 * time.Second, AllowInternal: true}
}

func strPtr(s string) *string { return &s }

func TestExecute_VariableExtractionAcrossSteps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			w.WriteHeader(201)
			fmt.Fprint(w, `{"id":"u-42"}`)
			return
		}
		w.WriteHeader(200)
		fmt.Fprint(w, `{"id":"u-42"}`)
	}))
	defer srv.Close()

	s := &scenario.Scenario{
		Steps: []scenario.Step{
			{
				Index: 0, Method: scenario.POST, Endpoint: "/users",
				Expected:    scenario.Expectation{Status: "201"},
				Extractions: map[string]string{"userId": "$.id"},
			},
			{
				Index: 1, Method: scenario.GET, Endpoint: "/users/${userId}",
				Expected: scenario.Expectation{
					Status:     "200",
					BodyFields: []scenario.AssertionField{{Locator: "$.id", Token: "${userId}"}},
				},
			},
		},
	}

	var seen []scenario.StepResult
	outcome := Execute(context.Background(), httpexec.NewClient(), s, srv.URL, nil, policy(), true, func(r scenario.StepResult) {
		seen = append(seen, r)
	})

	require.Equal(t, scenario.OutcomePassed, outcome.Status)
	require.Len(t, seen, 2)
	require.Equal(t, scenario.StepPassed, seen[0].Status)
	require.Equal(t, scenario.StepPassed, seen[1].Status)
}

func TestExecute_StopOnFirstFailureSkipsRemaining(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
		fmt.Fprint(w, `{"error":"boom"}`)
	}))
	defer srv.Close()

	s := &scenario.Scenario{
		Steps: []scenario.Step{
			{Index: 0, Method: scenario.POST, Endpoint: "/users", Expected: scenario.Expectation{Status: "201"}},
			{Index: 1, Method: scenario.GET, Endpoint: "/users/1", Expected: scenario.Expectation{Status: "200"}},
		},
	}

	outcome := Execute(context.Background(), httpexec.NewClient(), s, srv.URL, nil, policy(), true, func(scenario.StepResult) {})

	require.Equal(t, scenario.OutcomeFailed, outcome.Status)
	require.Equal(t, scenario.StepFailed, outcome.StepResults[0].Status) // assertion failed, not transport error
	require.Equal(t, scenario.StepSkipped, outcome.StepResults[1].Status)
	require.Equal(t, "previous step failed", outcome.StepResults[1].FailureReason)
}

func TestExecute_ExtractionMissingBlocksDependentStep(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(201)
		fmt.Fprint(w, `{}`) // no "id" field: extraction will fail
	}))
	defer srv.Close()

	s := &scenario.Scenario{
		Steps: []scenario.Step{
			{
				Index: 0, Method: scenario.POST, Endpoint: "/users",
				Expected:    scenario.Expectation{Status: "201"},
				Extractions: map[string]string{"userId": "$.id"},
			},
			{
				Index: 1, Method: scenario.GET, Endpoint: "/users/${userId}",
				Body:     strPtr(""),
				Expected: scenario.Expectation{Status: "200"},
			},
		},
	}

	outcome := Execute(context.Background(), httpexec.NewClient(), s, srv.URL, nil, policy(), false, func(scenario.StepResult) {})

	require.Equal(t, scenario.StepFailed, outcome.StepResults[1].Status)
	require.Contains(t, outcome.StepResults[1].FailureReason, "userId")
}
