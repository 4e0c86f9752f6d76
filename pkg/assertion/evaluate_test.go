package assertion

import (
	"testing"

	"github.com/hermanngeorge15/qawave-core/pkg/scenario"
	"github.com/stretchr/testify/require"
)

func observedJSON(status int, body any) Observed {
	return Observed{StatusCode: status, Headers: map[string][]string{"Content-Type": {"application/json"}}, ParsedBody: body, BodyIsJSON: true}
}

func TestEvaluate_HappyPath(t *testing.T) {
	exp := scenario.Expectation{
		Status:     "201",
		BodyFields: []scenario.AssertionField{{Locator: "$.id", Token: "<any>"}},
	}
	observed := observedJSON(201, map[string]any{"id": "u-1"})
	results, passed := Evaluate(exp, observed, nil)
	require.True(t, passed)
	require.Len(t, results, 2)
}

func TestEvaluate_StatusComparator(t *testing.T) {
	exp := scenario.Expectation{Status: ">=200"}
	_, passed := Evaluate(exp, observedJSON(204, nil), nil)
	require.True(t, passed)

	_, passed = Evaluate(exp, observedJSON(199, nil), nil)
	require.False(t, passed)
}

func TestEvaluate_ContainsOnArray(t *testing.T) {
	exp := scenario.Expectation{
		BodyFields: []scenario.AssertionField{{Locator: "$.tags", Token: "contains:\"admin\""}},
	}
	observed := observedJSON(200, map[string]any{"tags": []any{"user", "admin"}})
	_, passed := Evaluate(exp, observed, nil)
	require.True(t, passed)
}

func TestEvaluate_RegexFullMatch(t *testing.T) {
	exp := scenario.Expectation{
		BodyFields: []scenario.AssertionField{{Locator: "$.email", Token: "regex:[a-z]+@[a-z]+\\.com"}},
	}
	observed := observedJSON(200, map[string]any{"email": "not-an-email"})
	_, passed := Evaluate(exp, observed, nil)
	require.False(t, passed)

	observed = observedJSON(200, map[string]any{"email": "user@example.com"})
	_, passed = Evaluate(exp, observed, nil)
	require.True(t, passed)
}

func TestEvaluate_LocatorUnresolved(t *testing.T) {
	exp := scenario.Expectation{
		BodyFields: []scenario.AssertionField{{Locator: "$.missing", Token: "<any>"}},
	}
	results, passed := Evaluate(exp, observedJSON(200, map[string]any{}), nil)
	require.False(t, passed)
	require.Equal(t, "locator unresolved", results[0].Reason)
}

func TestEvaluate_PlaceholderRef(t *testing.T) {
	ctx := scenario.NewExecutionContext(nil)
	ctx.Merge(map[string]string{"userId": "u-42"})
	exp := scenario.Expectation{
		BodyFields: []scenario.AssertionField{{Locator: "$.id", Token: "${userId}"}},
	}
	observed := observedJSON(200, map[string]any{"id": "u-42"})
	_, passed := Evaluate(exp, observed, ctx)
	require.True(t, passed)
}

func TestEvaluate_NonJSONBodyDollarLocator(t *testing.T) {
	exp := scenario.Expectation{
		BodyFields: []scenario.AssertionField{{Locator: "$", Token: "contains:ok"}},
	}
	observed := Observed{StatusCode: 200, RawBody: "status: ok", BodyIsJSON: false}
	_, passed := Evaluate(exp, observed, nil)
	require.True(t, passed)
}

func TestParseLocator_Invalid(t *testing.T) {
	_, err := ParseLocator("a.b")
	require.Error(t, err)
}

func TestEvaluate_AllChecksRunEvenAfterEarlierFailure(t *testing.T) {
	exp := scenario.Expectation{
		Status:     "500", // will fail — actual is 200
		BodyFields: []scenario.AssertionField{{Locator: "$.id", Token: "<any>"}},
	}
	results, passed := Evaluate(exp, observedJSON(200, map[string]any{"id": "x"}), nil)
	require.False(t, passed)
	require.Len(t, results, 2) // both checks ran
	require.True(t, results[1].Passed)
}
