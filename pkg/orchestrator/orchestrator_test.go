package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hermanngeorge15/qawave-core/pkg/aiclient"
	"github.com/hermanngeorge15/qawave-core/pkg/coverage"
	"github.com/hermanngeorge15/qawave-core/pkg/dbrepo"
	"github.com/hermanngeorge15/qawave-core/pkg/httpexec"
	"github.com/hermanngeorge15/qawave-core/pkg/journal"
	"github.com/hermanngeorge15/qawave-core/pkg/run"
	"github.com/hermanngeorge15/qawave-core/pkg/runconfig"
	"github.com/hermanngeorge15/qawave-core/pkg/specsource"
	"github.com/stretchr/testify/require"
)

// stubProvider is an in-package aiclient.Provider test double, matching
// pkg/queue/executor_stub.go's minimal-fake idiom: a counting function
// callers configure per test rather than a mock framework.
type stubProvider struct {
	mu    sync.Mutex
	calls int
	text  func(call int) (string, error)
}

func (p *stubProvider) Complete(ctx context.Context, prompt, systemPrompt string, temperature float64, maxTokens int) (aiclient.CompletionResult, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.mu.Unlock()
	text, err := p.text(n)
	if err != nil {
		return aiclient.CompletionResult{}, err
	}
	return aiclient.CompletionResult{Text: text, FinishReason: "stop"}, nil
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func fixedProvider(text string) *stubProvider {
	return &stubProvider{text: func(int) (string, error) { return text, nil }}
}

func fetchStub(doc specsource.Document) FetchFunc {
	return func(ctx context.Context, source run.SpecSourceKind, location string) (specsource.Document, error) {
		return doc, nil
	}
}

func testConfig() runconfig.RunConfig {
	cfg := runconfig.DefaultRunConfig()
	cfg.AIConcurrency = 2
	cfg.ExecConcurrency = 2
	cfg.StepTimeout = 2 * time.Second
	cfg.AllowInternal = true
	cfg.CoverageThreshold = 0.5
	return cfg
}

func createTestRun(t *testing.T, repo *dbrepo.Memory, baseURL string, cfg runconfig.RunConfig) *run.Run {
	t.Helper()
	cfgJSON, err := json.Marshal(cfg)
	require.NoError(t, err)
	r := run.New("test run", "exercise the users API", baseURL, run.SpecSourceInline, "openapi: 3.0.0", run.ModeStandard, run.RunConfigRef{JSON: cfgJSON}, "tester")
	require.NoError(t, repo.CreateRun(context.Background(), r))
	return r
}

func newOrchestrator(repo dbrepo.Repo, provider aiclient.Provider, doc specsource.Document) *Orchestrator {
	return New(Deps{
		Repo:       repo,
		Journal:    journal.New(repo, nil),
		AIProvider: provider,
		HTTPClient: httpexec.NewClient(),
		Fetch:      fetchStub(doc),
	})
}

func singleOperationDoc() specsource.Document {
	return specsource.Document{
		Operations: []specsource.Operation{
			{Method: "POST", PathTemplate: "/users", OperationID: "createUser"},
			{Method: "GET", PathTemplate: "/users/{id}", OperationID: "getUser"},
		},
	}
}

const happyPathScenario = `{"name":"create then fetch user","operationId":"createUser","steps":[` +
	`{"index":0,"name":"create","method":"POST","endpoint":"/users","headers":{},"body":null,` +
	`"expected":{"status":"201","bodyFields":{},"headers":{}},"extractions":{}}` +
	`]}`

func TestExecute_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(201)
		fmt.Fprint(w, `{"id":"u-1"}`)
	}))
	defer srv.Close()

	repo := dbrepo.NewMemory()
	cfg := testConfig()
	r := createTestRun(t, repo, srv.URL, cfg)
	provider := fixedProvider(happyPathScenario)
	o := newOrchestrator(repo, provider, singleOperationDoc())

	require.NoError(t, o.Execute(context.Background(), r.ID))

	got, err := repo.GetRun(context.Background(), r.ID)
	require.NoError(t, err)
	require.Equal(t, run.Complete, got.Status)

	snap, err := repo.LoadSnapshot(context.Background(), r.ID)
	require.NoError(t, err)
	require.Equal(t, coverage.VerdictPass, snap.OverallVerdict)
	require.Equal(t, 1, snap.PassedScenarios)
}

const extractionScenario = `{"name":"create then fetch user","operationId":"createUser","steps":[` +
	`{"index":0,"name":"create","method":"POST","endpoint":"/users","headers":{},"body":null,` +
	`"expected":{"status":"201","bodyFields":{},"headers":{}},"extractions":{"userId":"$.id"}},` +
	`{"index":1,"name":"fetch","method":"GET","endpoint":"/users/${userId}","headers":{},"body":null,` +
	`"expected":{"status":"200","bodyFields":{"$.id":"${userId}"},"headers":{}},"extractions":{}}` +
	`]}`

func TestExecute_VariableExtractionAcrossSteps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			w.WriteHeader(201)
			fmt.Fprint(w, `{"id":"u-7"}`)
			return
		}
		w.WriteHeader(200)
		fmt.Fprint(w, `{"id":"u-7"}`)
	}))
	defer srv.Close()

	repo := dbrepo.NewMemory()
	cfg := testConfig()
	r := createTestRun(t, repo, srv.URL, cfg)
	provider := fixedProvider(extractionScenario)
	o := newOrchestrator(repo, provider, singleOperationDoc())

	require.NoError(t, o.Execute(context.Background(), r.ID))

	got, err := repo.GetRun(context.Background(), r.ID)
	require.NoError(t, err)
	require.Equal(t, run.Complete, got.Status)

	scenarios, err := repo.ListByRun(context.Background(), r.ID)
	require.NoError(t, err)
	require.Len(t, scenarios, 1)

	results, err := repo.ListByScenario(context.Background(), scenarios[0].ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "u-7", results[0].Extracted["userId"])
}

const failingFirstStepScenario = `{"name":"create then fetch user","operationId":"createUser","steps":[` +
	`{"index":0,"name":"create","method":"POST","endpoint":"/users","headers":{},"body":null,` +
	`"expected":{"status":"201","bodyFields":{},"headers":{}},"extractions":{}},` +
	`{"index":1,"name":"fetch","method":"GET","endpoint":"/users/1","headers":{},"body":null,` +
	`"expected":{"status":"200","bodyFields":{},"headers":{}},"extractions":{}}` +
	`]}`

func TestExecute_StopOnFirstFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
		fmt.Fprint(w, `{"error":"boom"}`)
	}))
	defer srv.Close()

	repo := dbrepo.NewMemory()
	cfg := testConfig()
	cfg.StopOnFirstFailure = true
	r := createTestRun(t, repo, srv.URL, cfg)
	provider := fixedProvider(failingFirstStepScenario)
	o := newOrchestrator(repo, provider, singleOperationDoc())

	require.NoError(t, o.Execute(context.Background(), r.ID))

	got, err := repo.GetRun(context.Background(), r.ID)
	require.NoError(t, err)
	require.Equal(t, run.Complete, got.Status)

	scenarios, err := repo.ListByRun(context.Background(), r.ID)
	require.NoError(t, err)
	require.Len(t, scenarios, 1)

	results, err := repo.ListByScenario(context.Background(), scenarios[0].ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "previous step failed", results[1].FailureReason)

	snap, err := repo.LoadSnapshot(context.Background(), r.ID)
	require.NoError(t, err)
	require.Equal(t, coverage.VerdictFail, snap.OverallVerdict)
	require.Equal(t, 1, snap.FailedScenarios)
}

func TestExecute_AIVerificationRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(201)
		fmt.Fprint(w, `{"id":"u-1"}`)
	}))
	defer srv.Close()

	repo := dbrepo.NewMemory()
	cfg := testConfig()
	r := createTestRun(t, repo, srv.URL, cfg)

	provider := &stubProvider{text: func(call int) (string, error) {
		if call == 1 {
			return "not json at all", nil
		}
		return happyPathScenario, nil
	}}
	o := newOrchestrator(repo, provider, singleOperationDoc())

	require.NoError(t, o.Execute(context.Background(), r.ID))

	got, err := repo.GetRun(context.Background(), r.ID)
	require.NoError(t, err)
	require.Equal(t, run.Complete, got.Status)
	require.GreaterOrEqual(t, provider.callCount(), 2)

	scenarios, err := repo.ListByRun(context.Background(), r.ID)
	require.NoError(t, err)
	require.Len(t, scenarios, 1)
}

func TestExecute_DeterministicReplay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(201)
		fmt.Fprint(w, `{"id":"u-1"}`)
	}))
	defer srv.Close()

	repo := dbrepo.NewMemory()
	cfg := testConfig()
	r := createTestRun(t, repo, srv.URL, cfg)
	provider := fixedProvider(happyPathScenario)
	o := newOrchestrator(repo, provider, singleOperationDoc())

	require.NoError(t, o.Execute(context.Background(), r.ID))
	callsAfterFirstRun := provider.callCount()

	sourceScenarios, err := repo.ListByRun(context.Background(), r.ID)
	require.NoError(t, err)

	newRunID, err := o.Replay(context.Background(), r.ID, "", "replayer")
	require.NoError(t, err)
	require.NotEqual(t, r.ID, newRunID)

	require.Equal(t, callsAfterFirstRun, provider.callCount(), "replay must not invoke the AI provider")

	replayed, err := repo.GetRun(context.Background(), newRunID)
	require.NoError(t, err)
	require.Equal(t, run.Complete, replayed.Status)

	replayedScenarios, err := repo.ListByRun(context.Background(), newRunID)
	require.NoError(t, err)
	require.Len(t, replayedScenarios, len(sourceScenarios))
	require.Equal(t, sourceScenarios[0].Steps, replayedScenarios[0].Steps)
	require.NotEqual(t, sourceScenarios[0].ID, replayedScenarios[0].ID)

	events, err := repo.ListEvents(context.Background(), newRunID)
	require.NoError(t, err)
	var sawAISuccess bool
	for _, ev := range events {
		if ev.Type == journal.TypeAISuccess {
			sawAISuccess = true
		}
	}
	require.True(t, sawAISuccess, "AI_SUCCESS is still persisted as the graph's Execution predecessor, even though it carries no generation work for a replay")
}

func TestExecute_MaxScenariosZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(201)
		fmt.Fprint(w, `{"id":"u-1"}`)
	}))
	defer srv.Close()

	repo := dbrepo.NewMemory()
	cfg := testConfig()
	cfg.MaxScenarios = 0
	r := createTestRun(t, repo, srv.URL, cfg)
	provider := fixedProvider(happyPathScenario)
	o := newOrchestrator(repo, provider, singleOperationDoc())

	require.NoError(t, o.Execute(context.Background(), r.ID))
	require.Equal(t, 0, provider.callCount(), "maxScenarios=0 must enumerate no operations for generation")

	got, err := repo.GetRun(context.Background(), r.ID)
	require.NoError(t, err)
	require.Equal(t, run.Complete, got.Status)

	scenarios, err := repo.ListByRun(context.Background(), r.ID)
	require.NoError(t, err)
	require.Empty(t, scenarios)

	snap, err := repo.LoadSnapshot(context.Background(), r.ID)
	require.NoError(t, err)
	require.Equal(t, coverage.VerdictInconclusive, snap.OverallVerdict)
	require.Equal(t, 0, snap.OpsCovered)
}

func TestExecute_CancellationDuringExecution(t *testing.T) {
	started := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(201)
	}))
	defer srv.Close()

	repo := dbrepo.NewMemory()
	cfg := testConfig()
	r := createTestRun(t, repo, srv.URL, cfg)
	provider := fixedProvider(happyPathScenario)
	o := newOrchestrator(repo, provider, singleOperationDoc())

	errCh := make(chan error, 1)
	go func() { errCh <- o.Execute(context.Background(), r.ID) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("step never started")
	}
	require.True(t, o.Cancel(r.ID))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Execute never returned after cancellation")
	}

	got, err := repo.GetRun(context.Background(), r.ID)
	require.NoError(t, err)
	require.Equal(t, run.Cancelled, got.Status)
}
