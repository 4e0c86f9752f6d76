package assertion

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/hermanngeorge15/qawave-core/pkg/scenario"
	"github.com/itchyny/gojq"
)

// Observed is the decoded HTTP response the evaluator checks against.
type Observed struct {
	StatusCode int
	// Headers is keyed by canonical (title-cased) name; lookups are
	// case-insensitive via headerValue below.
	Headers map[string][]string
	// ParsedBody is the decoded JSON value, or nil if the body did not
	// parse as JSON. RawBody is always the body text, used when a
	// locator is exactly `$` against a non-JSON body.
	ParsedBody any
	BodyIsJSON bool
	RawBody    string
}

func headerValue(headers map[string][]string, name string) (string, bool) {
	for k, vs := range headers {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0], true
		}
	}
	return "", false
}

// Evaluate checks observed against expected in the fixed order required
// by SPEC_FULL.md §4.1: (1) status, (2) headers, (3) bodyFields. Every
// check runs even after an earlier one fails; the overall verdict is
// PASSED iff every check passes.
func Evaluate(expected scenario.Expectation, observed Observed, ctx *scenario.ExecutionContext) (results []scenario.AssertionResult, passed bool) {
	passed = true

	if expected.Status != "" {
		r := evaluateStatus(expected.Status, observed.StatusCode)
		results = append(results, r)
		passed = passed && r.Passed
	}

	for _, h := range expected.Headers {
		actual, ok := headerValue(observed.Headers, h.Locator)
		r := evaluateToken(h.Locator, h.Token, actual, ok, ctx)
		results = append(results, r)
		passed = passed && r.Passed
	}

	for _, f := range expected.BodyFields {
		r := evaluateBodyField(f.Locator, f.Token, observed, ctx)
		results = append(results, r)
		passed = passed && r.Passed
	}

	return results, passed
}

func evaluateStatus(expected string, actual int) scenario.AssertionResult {
	result := scenario.AssertionResult{Locator: "$status", Expected: expected, Actual: strconv.Itoa(actual)}

	if n, err := strconv.Atoi(expected); err == nil {
		result.Passed = actual == n
		if !result.Passed {
			result.Reason = "status mismatch"
		}
		return result
	}

	tok, err := ParseToken(expected)
	if err != nil || tok.Kind != KindComparator {
		result.Reason = "invalid status expectation"
		return result
	}
	result.Passed = compareNumeric(tok.ComparatorOp, float64(actual), tok.ComparatorValue)
	if !result.Passed {
		result.Reason = "status comparator failed"
	}
	return result
}

func evaluateToken(locator, rawToken, actual string, resolved bool, ctx *scenario.ExecutionContext) scenario.AssertionResult {
	result := scenario.AssertionResult{Locator: locator, Expected: rawToken, Actual: actual}

	tok, err := ParseToken(rawToken)
	if err != nil {
		result.Reason = err.Error()
		return result
	}

	if tok.Kind == KindAny {
		result.Passed = resolved
		if !resolved {
			result.Reason = "locator unresolved"
		}
		return result
	}

	if !resolved {
		result.Passed = false
		result.Reason = "locator unresolved"
		return result
	}

	switch tok.Kind {
	case KindLiteral:
		expectedStr := fmt.Sprintf("%v", tok.Literal)
		result.Passed = actual == expectedStr
	case KindContains:
		result.Passed = strings.Contains(actual, tok.Needle)
	case KindRegex:
		result.Passed = tok.Pattern.MatchString(actual)
	case KindComparator:
		n, err := strconv.ParseFloat(actual, 64)
		if err != nil || math.IsNaN(n) {
			result.Reason = "observed value is not numeric"
			return result
		}
		result.Passed = compareNumeric(tok.ComparatorOp, n, tok.ComparatorValue)
	case KindPlaceholderRef:
		expectedVal, ok := resolvePlaceholderRef(tok.PlaceholderName, ctx)
		if !ok {
			result.Reason = "placeholder reference unresolved: " + tok.PlaceholderName
			return result
		}
		result.Passed = actual == expectedVal
	}
	if !result.Passed && result.Reason == "" {
		result.Reason = "value mismatch"
	}
	return result
}

func evaluateBodyField(rawLocator, rawToken string, observed Observed, ctx *scenario.ExecutionContext) scenario.AssertionResult {
	loc, err := ParseLocator(rawLocator)
	if err != nil {
		return scenario.AssertionResult{Locator: rawLocator, Expected: rawToken, Reason: err.Error()}
	}

	if !observed.BodyIsJSON {
		if rawLocator != "$" {
			return scenario.AssertionResult{Locator: rawLocator, Expected: rawToken, Reason: "locator unresolved"}
		}
		return evaluateToken(rawLocator, rawToken, observed.RawBody, true, ctx)
	}

	val, ok := loc.Resolve(observed.ParsedBody)
	if !ok {
		return scenario.AssertionResult{Locator: rawLocator, Expected: rawToken, Reason: "locator unresolved"}
	}

	tok, err := ParseToken(rawToken)
	if err != nil {
		return scenario.AssertionResult{Locator: rawLocator, Expected: rawToken, Reason: err.Error()}
	}
	return evaluateStructural(rawLocator, tok, val, ctx)
}

// evaluateStructural handles body-field checks against a decoded JSON
// value (as opposed to evaluateToken, which compares string-rendered
// header/status values). contains: against arrays and objects uses
// gojq for structural JSON-equality / key-membership, per the
// decision recorded in DESIGN.md.
func evaluateStructural(locator string, tok *Token, val any, ctx *scenario.ExecutionContext) scenario.AssertionResult {
	result := scenario.AssertionResult{Locator: locator, Expected: tok.Raw(), Actual: fmt.Sprintf("%v", val)}

	switch tok.Kind {
	case KindAny:
		result.Passed = true
		return result

	case KindLiteral:
		result.Passed = jsonEqual(val, tok.Literal)

	case KindContains:
		switch v := val.(type) {
		case string:
			result.Passed = strings.Contains(v, tok.Needle)
		case []any:
			result.Passed = arrayContainsJSON(v, tok.Needle)
		case map[string]any:
			_, result.Passed = v[tok.Needle]
		default:
			result.Reason = "contains: not applicable to this value type"
			return result
		}

	case KindRegex:
		s, ok := val.(string)
		if !ok {
			result.Reason = "regex: requires a string value"
			return result
		}
		result.Passed = tok.Pattern.MatchString(s)

	case KindComparator:
		n, ok := val.(float64)
		if !ok || math.IsNaN(n) {
			result.Reason = "observed value is not numeric"
			return result
		}
		result.Passed = compareNumeric(tok.ComparatorOp, n, tok.ComparatorValue)

	case KindPlaceholderRef:
		expectedVal, ok := resolvePlaceholderRef(tok.PlaceholderName, ctx)
		if !ok {
			result.Reason = "placeholder reference unresolved: " + tok.PlaceholderName
			return result
		}
		result.Passed = fmt.Sprintf("%v", val) == expectedVal
	}

	if !result.Passed && result.Reason == "" {
		result.Reason = "value mismatch"
	}
	return result
}

// arrayContainsJSON tests element membership by JSON-equal, attempting
// to parse needle as JSON so e.g. `contains:42` matches the number 42
// and not just the string "42". Equality is evaluated with gojq rather
// than a hand-rolled deep-compare, since gojq already normalizes JSON
// number/string/bool/null comparison semantics correctly.
func arrayContainsJSON(arr []any, needle string) bool {
	var needleVal any
	if err := json.Unmarshal([]byte(needle), &needleVal); err != nil {
		needleVal = needle
	}
	for _, elem := range arr {
		if jsonEqual(elem, needleVal) {
			return true
		}
	}
	return false
}

func jsonEqual(a, b any) bool {
	query, err := gojq.Parse(". == $b")
	if err != nil {
		return false
	}
	code, err := gojq.Compile(query, gojq.WithVariables([]string{"$b"}))
	if err != nil {
		return false
	}
	iter := code.Run(a, b)
	v, ok := iter.Next()
	if !ok {
		return false
	}
	if _, isErr := v.(error); isErr {
		return false
	}
	eq, _ := v.(bool)
	return eq
}

func resolvePlaceholderRef(name string, ctx *scenario.ExecutionContext) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if strings.HasPrefix(name, "env.") {
		v, ok := ctx.Environment[strings.TrimPrefix(name, "env.")]
		return v, ok
	}
	v, ok := ctx.Extracted[name]
	return v, ok
}

func compareNumeric(op string, actual, expected float64) bool {
	switch op {
	case ">":
		return actual > expected
	case "<":
		return actual < expected
	case ">=":
		return actual >= expected
	case "<=":
		return actual <= expected
	case "!=":
		return actual != expected
	default:
		return false
	}
}
