// Package aiverify implements the AI Verifier of SPEC_FULL.md §4.5:
// decode the generator's raw JSON text against the Scenario JSON
// Contract (§6), run the schema/alignment/placeholder/shape checks in
// order, and on failure build a corrective hint and re-invoke the
// generator up to policy.aiVerifyRetries times. Grounded on
// pkg/agent/controller/scoring.go's extraction-retry loop (append
// assistant+corrective-user turns, re-invoke the LLM, re-parse,
// bounded attempts), generalized from "re-ask for a parseable score"
// to "re-ask for a schema/spec-conformant scenario document".
package aiverify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hermanngeorge15/qawave-core/pkg/scenario"
)

// rawScenario/rawStep/rawExpectation mirror the Scenario JSON Contract
// (SPEC_FULL.md §6) before it is lifted into the in-memory
// scenario.Scenario shape.
type rawScenario struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	OperationID string    `json:"operationId"`
	Steps       []rawStep `json:"steps"`
}

type rawStep struct {
	Index       int               `json:"index"`
	Name        string            `json:"name"`
	Method      string            `json:"method"`
	Endpoint    string            `json:"endpoint"`
	Headers     json.RawMessage   `json:"headers"`
	Body        json.RawMessage   `json:"body"`
	Expected    json.RawMessage   `json:"expected"`
	Extractions map[string]string `json:"extractions"`
}

type rawExpectation struct {
	Status     json.RawMessage `json:"status"`
	BodyFields json.RawMessage `json:"bodyFields"`
	Headers    json.RawMessage `json:"headers"`
}

// kv preserves declaration order for flat JSON objects, which a plain
// Go map cannot — required for bodyFields/headers per SPEC_FULL.md §4.1.
type kv struct {
	Key   string
	Value json.RawMessage
}

// decodeTopLevel parses the generator's raw response text, which per
// §6 may be either a single scenario object or an array of them.
func decodeTopLevel(raw string) ([]rawScenario, error) {
	trimmed := strings.TrimSpace(stripCodeFence(raw))
	if trimmed == "" {
		return nil, fmt.Errorf("empty response")
	}

	if strings.HasPrefix(trimmed, "[") {
		var arr []rawScenario
		if err := json.Unmarshal([]byte(trimmed), &arr); err != nil {
			return nil, err
		}
		return arr, nil
	}

	var single rawScenario
	if err := json.Unmarshal([]byte(trimmed), &single); err != nil {
		return nil, err
	}
	return []rawScenario{single}, nil
}

// stripCodeFence tolerates models that wrap JSON in a markdown code
// fence despite instructions not to.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return s
}

func decodeOrderedMap(raw json.RawMessage) ([]kv, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != '{' {
		return nil, fmt.Errorf("expected JSON object")
	}

	var out []kv
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := keyTok.(string)
		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return nil, err
		}
		out = append(out, kv{Key: key, Value: val})
	}
	if _, err := dec.Token(); err != nil { // consume closing '}'
		return nil, err
	}
	return out, nil
}

// tokenFromRaw converts one JSON value into the plain token syntax
// text pkg/assertion.ParseToken expects: a JSON string's contents
// unwrapped, or the raw JSON text of any other scalar/structure.
func tokenFromRaw(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(v))
}

// toScenario lifts a decoded rawScenario into the in-memory shape. It
// does not itself validate: GenerateForOperation runs verifyScenario
// (verify.go) on the result afterwards.
func toScenario(rs rawScenario) (scenario.Scenario, error) {
	s := scenario.Scenario{
		Name:        rs.Name,
		Description: rs.Description,
		OperationID: rs.OperationID,
		Source:      scenario.SourceAIGenerated,
		Status:      scenario.StatusPending,
	}

	for _, rstep := range rs.Steps {
		step, err := toStep(rstep)
		if err != nil {
			return scenario.Scenario{}, err
		}
		s.Steps = append(s.Steps, step)
	}
	return s, nil
}

func toStep(rs rawStep) (scenario.Step, error) {
	step := scenario.Step{
		Index:       rs.Index,
		Name:        rs.Name,
		Method:      scenario.Method(strings.ToUpper(rs.Method)),
		Endpoint:    rs.Endpoint,
		Extractions: rs.Extractions,
	}

	if headerKVs, err := decodeOrderedMap(rs.Headers); err == nil {
		for _, h := range headerKVs {
			step.Headers = append(step.Headers, scenario.HeaderField{Name: h.Key, Value: tokenFromRaw(h.Value)})
		}
	}

	if len(bytes.TrimSpace(rs.Body)) > 0 && string(rs.Body) != "null" {
		var asString string
		if json.Unmarshal(rs.Body, &asString) == nil {
			step.Body = &asString
		} else {
			compact := string(bytes.TrimSpace(rs.Body))
			step.Body = &compact
		}
	}

	exp, err := toExpectation(rs.Expected)
	if err != nil {
		return scenario.Step{}, err
	}
	step.Expected = exp
	return step, nil
}

func toExpectation(raw json.RawMessage) (scenario.Expectation, error) {
	var re rawExpectation
	if err := json.Unmarshal(raw, &re); err != nil {
		return scenario.Expectation{}, err
	}

	exp := scenario.Expectation{Status: tokenFromRaw(re.Status)}

	if bodyKVs, err := decodeOrderedMap(re.BodyFields); err == nil {
		for _, f := range bodyKVs {
			exp.BodyFields = append(exp.BodyFields, scenario.AssertionField{Locator: f.Key, Token: tokenFromRaw(f.Value)})
		}
	}
	if headerKVs, err := decodeOrderedMap(re.Headers); err == nil {
		for _, f := range headerKVs {
			exp.Headers = append(exp.Headers, scenario.AssertionField{Locator: f.Key, Token: tokenFromRaw(f.Value)})
		}
	}
	return exp, nil
}
