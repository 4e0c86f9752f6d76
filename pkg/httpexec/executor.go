// Package httpexec implements the Step Executor (SPEC_FULL.md §4.3):
// resolve placeholders, build and send one HTTP request with timeout
// and transport retries, extract values, and evaluate assertions.
// Grounded on pkg/runbook/github.go's bounded-timeout http.Client
// pattern for the send, and pkg/mcp/recovery.go's classification
// scheme (see classify.go) for retry eligibility.
package httpexec

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hermanngeorge15/qawave-core/pkg/assertion"
	"github.com/hermanngeorge15/qawave-core/pkg/placeholder"
	"github.com/hermanngeorge15/qawave-core/pkg/qaerr"
	"github.com/hermanngeorge15/qawave-core/pkg/resilience"
	"github.com/hermanngeorge15/qawave-core/pkg/runconfig"
	"github.com/hermanngeorge15/qawave-core/pkg/scenario"
)

// Policy bundles the knobs the Step Executor needs per call, drawn
// from RunConfig plus a resilience Policy wrapping the raw send.
type Policy struct {
	StepTimeout   time.Duration
	MaxRetries    int
	AllowInternal bool
	Resilience    *resilience.Policy // may be nil for a bare retry-less send
}

// PolicyFromRunConfig builds the Step Executor's per-call policy from
// a RunConfig, wiring the Resilience Envelope's Retry stage with the
// exact backoff shape of SPEC_FULL.md §4.3 step 5.
func PolicyFromRunConfig(cfg runconfig.RunConfig, bulkheadLimit int) Policy {
	retry := resilience.DefaultStepRetryPolicy(cfg.MaxRetries, isRetryableTransport)
	pol := resilience.NewPolicy(bulkheadLimit, nil, retry).WithBreaker(resilience.NewCircuitBreaker("sut-http"))
	return Policy{
		StepTimeout:   cfg.StepTimeout,
		MaxRetries:    cfg.MaxRetries,
		AllowInternal: cfg.AllowInternal,
		Resilience:    pol,
	}
}

// httpResponse is the raw send() result, pre-evaluation.
type httpResponse struct {
	statusCode int
	headers    http.Header
	body       []byte
}

// Client is the HTTP collaborator the Step Executor issues requests
// through; every request is sent with the *http.Client held in HTTP.
type Client struct {
	HTTP *http.Client
}

// NewClient returns a Client around a plain http.Client with no
// client-level Timeout; each request's deadline comes from its context,
// which Execute bounds with policy.StepTimeout.
func NewClient() *Client {
	return &Client{HTTP: &http.Client{}}
}

// Execute runs the full Step Executor contract of SPEC_FULL.md §4.3.
func (c *Client) Execute(ctx context.Context, step scenario.Step, execCtx *scenario.ExecutionContext, baseURL string, policy Policy) scenario.StepResult {
	start := time.Now()
	result := scenario.StepResult{StepIndex: step.Index, StartedAt: start}

	// 1. Resolve endpoint, headers, body.
	endpoint, unresolvedEndpoint := placeholder.Resolve(step.Endpoint, execCtx)
	headers := make([]scenario.HeaderField, 0, len(step.Headers))
	var unresolved []string
	unresolved = append(unresolved, unresolvedEndpoint...)
	for _, h := range step.Headers {
		v, u := placeholder.Resolve(h.Value, execCtx)
		unresolved = append(unresolved, u...)
		headers = append(headers, scenario.HeaderField{Name: h.Name, Value: v})
	}
	var body string
	if step.Body != nil {
		var u []string
		body, u = placeholder.Resolve(*step.Body, execCtx)
		unresolved = append(unresolved, u...)
	}

	if len(unresolved) > 0 {
		return fail(result, start, qaerr.PlaceholderUnresolved, "unresolved placeholders: "+strings.Join(unresolved, ", "))
	}

	// 2. Build target URL.
	target, err := buildURL(baseURL, endpoint)
	if err != nil {
		return fail(result, start, qaerr.Internal, "invalid target URL: "+err.Error())
	}

	// 3. SSRF guard.
	if err := checkSSRF(target, policy.AllowInternal); err != nil {
		qErr := err.(*qaerr.Error)
		return fail(result, start, qErr.Kind, qErr.Message)
	}

	// 4+5+6. Send with timeout and transport retries.
	reqCtx, cancel := context.WithTimeout(ctx, policy.StepTimeout)
	defer cancel()

	send := func(ctx context.Context) (httpResponse, error) {
		return c.send(ctx, string(step.Method), target.String(), headers, body)
	}

	var resp httpResponse
	if policy.Resilience != nil {
		resp, err = resilience.Execute(reqCtx, policy.Resilience, send)
	} else {
		resp, err = send(reqCtx)
	}
	if err != nil {
		kind := classifyTransportError(err)
		return fail(result, start, kind.Kind, kind.Message)
	}

	finished := time.Now()
	result.ActualStatusCode = resp.statusCode
	for k, vs := range resp.headers {
		result.ActualHeaders = append(result.ActualHeaders, scenario.HeaderField{Name: k, Value: strings.Join(vs, ",")})
	}
	result.ActualBodyDigest = sha256.Sum256(resp.body)
	result.ActualBodySample = truncate(resp.body, 64*1024)

	// 7. Extractions (failures here do not fail the step).
	observed := decodeObserved(resp)
	result.Extracted = extractAll(step.Extractions, observed)

	// 8. Evaluate assertions.
	results, passed := assertion.Evaluate(step.Expected, observed, execCtx)
	result.AssertionResults = results
	result.FinishedAt = finished
	result.DurationMs = finished.Sub(start).Milliseconds()
	if passed {
		result.Status = scenario.StepPassed
	} else {
		result.Status = scenario.StepFailed
		result.ErrorKind = qaerr.Assertion
		result.FailureReason = "one or more assertions failed"
	}
	return result
}

func (c *Client) send(ctx context.Context, method, target string, headers []scenario.HeaderField, body string) (httpResponse, error) {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return httpResponse{}, err
	}
	for _, h := range headers {
		req.Header.Set(h.Name, h.Value)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return httpResponse{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return httpResponse{}, err
	}
	return httpResponse{statusCode: resp.StatusCode, headers: resp.Header, body: data}, nil
}

func buildURL(baseURL, endpoint string) (*url.URL, error) {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return url.Parse(endpoint)
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	joined := strings.TrimRight(base.Path, "/") + "/" + strings.TrimLeft(endpoint, "/")
	for strings.Contains(joined, "//") {
		joined = strings.ReplaceAll(joined, "//", "/")
	}
	base.Path = joined
	return base, nil
}

func decodeObserved(resp httpResponse) assertion.Observed {
	observed := assertion.Observed{
		StatusCode: resp.statusCode,
		Headers:    resp.headers,
		RawBody:    string(resp.body),
	}
	var parsed any
	if len(bytes2trim(resp.body)) > 0 && json.Unmarshal(resp.body, &parsed) == nil {
		observed.ParsedBody = parsed
		observed.BodyIsJSON = true
	}
	return observed
}

func bytes2trim(b []byte) []byte { return bytes.TrimSpace(b) }

func extractAll(extractions map[string]string, observed assertion.Observed) map[string]string {
	out := make(map[string]string, len(extractions))
	for name, locatorRaw := range extractions {
		loc, err := assertion.ParseLocator(locatorRaw)
		if err != nil {
			continue
		}
		var val any
		var ok bool
		if observed.BodyIsJSON {
			val, ok = loc.Resolve(observed.ParsedBody)
		} else if locatorRaw == "$" {
			val, ok = observed.RawBody, true
		}
		if !ok {
			continue
		}
		out[name] = stringify(val)
	}
	return out
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func truncate(b []byte, max int) []byte {
	if len(b) <= max {
		return b
	}
	return b[:max]
}

func fail(result scenario.StepResult, start time.Time, kind qaerr.Kind, reason string) scenario.StepResult {
	now := time.Now()
	result.Status = scenario.StepError
	if kind == qaerr.Assertion || kind == qaerr.SSRFBlocked || kind == qaerr.PlaceholderUnresolved {
		result.Status = scenario.StepFailed
	}
	result.ErrorKind = kind
	result.FailureReason = reason
	result.FinishedAt = now
	result.DurationMs = now.Sub(start).Milliseconds()
	return result
}
