// Package specsource implements the SpecFetch stage (SPEC_FULL.md §4.7):
// download or parse an OpenAPI document, compute its content hash, and
// enumerate operations for coverage accounting and AI-alignment checks.
// Grounded on pkg/runbook/github.go's DownloadContent (bounded-timeout
// GET, blob-to-raw-URL handling, status check) for the remote-fetch
// half; operation enumeration uses getkin/kin-openapi, the same
// library pkg/aiverify uses for spec-alignment matching.
package specsource

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/hermanngeorge15/qawave-core/pkg/qaerr"
	"github.com/hermanngeorge15/qawave-core/pkg/run"
)

// Operation is one enumerated OpenAPI operation, the unit of work fanned
// into the AI Stage and the unit of coverage accounting (SPEC_FULL.md §6).
type Operation struct {
	Method        string
	PathTemplate  string
	OperationID   string
	ParamsSummary string // one-line human summary of path/query parameters
}

// Document is the result of a successful SpecFetch: the normalized
// content hash and the enumerated operation set.
type Document struct {
	Hash       [32]byte
	Operations []Operation
}

// fetchTimeout bounds the remote GET, matching pkg/runbook/github.go's
// 30s client baseline.
const fetchTimeout = 30 * time.Second

// Fetch loads an OpenAPI document from a URL or inline text per
// run.SpecSourceKind, parses it, and enumerates its operations. A
// syntactically valid document with zero operations is reported as
// qaerr.SpecInvalid rather than succeeding with an empty Document,
// per SPEC_FULL.md §7's SPEC_INVALID kind.
func Fetch(ctx context.Context, source run.SpecSourceKind, location string) (Document, error) {
	raw, err := load(ctx, source, location)
	if err != nil {
		return Document{}, err
	}

	normalized := normalize(raw)
	hash := sha256.Sum256(normalized)

	doc, err := openapi3.NewLoader().LoadFromData(raw)
	if err != nil {
		return Document{}, qaerr.New(qaerr.SpecFetch, "spec did not parse as OpenAPI: "+err.Error())
	}

	ops := enumerate(doc)
	if len(ops) == 0 {
		return Document{}, qaerr.New(qaerr.SpecInvalid, "spec contains no operations")
	}

	return Document{Hash: hash, Operations: ops}, nil
}

func load(ctx context.Context, source run.SpecSourceKind, location string) ([]byte, error) {
	if source == run.SpecSourceInline {
		if strings.TrimSpace(location) == "" {
			return nil, qaerr.New(qaerr.SpecFetch, "inline spec is empty")
		}
		return []byte(location), nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, location, nil)
	if err != nil {
		return nil, qaerr.New(qaerr.SpecFetch, "invalid spec URL: "+err.Error())
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, qaerr.New(qaerr.SpecFetch, "failed to fetch spec: "+err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, qaerr.New(qaerr.SpecFetch, fmt.Sprintf("spec fetch returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, qaerr.New(qaerr.SpecFetch, "failed to read spec body: "+err.Error())
	}
	return body, nil
}

// normalize collapses incidental whitespace differences so that two
// byte-different-but-semantically-identical fetches of the same spec
// hash identically, matching SPEC_FULL.md §3's specHash invariant.
func normalize(raw []byte) []byte {
	lines := strings.Split(string(raw), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\r")
	}
	return []byte(strings.Join(lines, "\n"))
}

func enumerate(doc *openapi3.T) []Operation {
	var ops []Operation
	if doc.Paths == nil {
		return ops
	}
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			ops = append(ops, Operation{
				Method:        strings.ToUpper(method),
				PathTemplate:  path,
				OperationID:   op.OperationID,
				ParamsSummary: summarizeParams(op),
			})
		}
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].PathTemplate != ops[j].PathTemplate {
			return ops[i].PathTemplate < ops[j].PathTemplate
		}
		return ops[i].Method < ops[j].Method
	})
	return ops
}

func summarizeParams(op *openapi3.Operation) string {
	if op == nil || len(op.Parameters) == 0 {
		return ""
	}
	names := make([]string, 0, len(op.Parameters))
	for _, p := range op.Parameters {
		if p.Value == nil {
			continue
		}
		names = append(names, fmt.Sprintf("%s(%s)", p.Value.Name, p.Value.In))
	}
	return strings.Join(names, ", ")
}

// MatchOperation finds the enumerated operation a step targets, by
// exact method match and path-template match modulo path parameters
// and ${...} placeholders, per SPEC_FULL.md §4.5 step 2.
func MatchOperation(ops []Operation, method, endpoint string) (Operation, bool) {
	target := templatize(endpoint)
	for _, op := range ops {
		if !strings.EqualFold(op.Method, method) {
			continue
		}
		if templatize(op.PathTemplate) == target {
			return op, true
		}
	}
	return Operation{}, false
}

// templatize strips ${...} placeholders and {param} path segments so
// that "/users/${userId}/orders/{id}" and "/users/123/orders/456"
// compare equal once reduced to their shape.
func templatize(path string) string {
	var b strings.Builder
	i := 0
	for i < len(path) {
		switch {
		case strings.HasPrefix(path[i:], "${"):
			end := strings.Index(path[i:], "}")
			if end == -1 {
				b.WriteString(path[i:])
				i = len(path)
				continue
			}
			b.WriteString(":param")
			i += end + 1
		case path[i] == '{':
			end := strings.Index(path[i:], "}")
			if end == -1 {
				b.WriteString(path[i:])
				i = len(path)
				continue
			}
			b.WriteString(":param")
			i += end + 1
		case path[i] == '/':
			b.WriteByte('/')
			i++
		default:
			// Also treat bare numeric/UUID-looking segments as params so a
			// concrete step endpoint ("/users/123") matches a templated
			// operation path ("/users/{id}").
			start := i
			for i < len(path) && path[i] != '/' {
				i++
			}
			seg := path[start:i]
			if looksLikeID(seg) {
				b.WriteString(":param")
			} else {
				b.WriteString(seg)
			}
		}
	}
	return b.String()
}

func looksLikeID(seg string) bool {
	if seg == "" {
		return false
	}
	digits := true
	for _, r := range seg {
		if r < '0' || r > '9' {
			digits = false
			break
		}
	}
	return digits
}
