package aiverify

import (
	"fmt"
	"strings"

	"github.com/hermanngeorge15/qawave-core/pkg/assertion"
	"github.com/hermanngeorge15/qawave-core/pkg/placeholder"
	"github.com/hermanngeorge15/qawave-core/pkg/qaerr"
	"github.com/hermanngeorge15/qawave-core/pkg/scenario"
	"github.com/hermanngeorge15/qawave-core/pkg/specsource"
)

// Violation is one failed check against the Scenario JSON Contract,
// classified by the qaerr.Kind its correction-or-failure path belongs
// to (SPEC_FULL.md §4.5/§7).
type Violation struct {
	Kind   qaerr.Kind
	Detail string
}

func (v Violation) String() string { return string(v.Kind) + ": " + v.Detail }

// checkSchema verifies the decoded scenario is structurally usable:
// non-empty name, at least one step, contiguous step indices, every
// step has a method/endpoint, and every assertion token parses.
// Corresponds to SPEC_FULL.md §4.5 step 1.
func checkSchema(rs rawScenario, s scenario.Scenario) []Violation {
	var viol []Violation

	if strings.TrimSpace(rs.Name) == "" {
		viol = append(viol, Violation{qaerr.AISchema, "scenario name is empty"})
	}
	if err := s.Validate(); err != nil {
		viol = append(viol, Violation{qaerr.AISchema, err.Error()})
		return viol // further checks assume a structurally valid step list
	}

	for _, step := range s.Steps {
		if step.Method == "" {
			viol = append(viol, Violation{qaerr.AISchema, fmt.Sprintf("step %d: missing method", step.Index)})
		}
		if strings.TrimSpace(step.Endpoint) == "" {
			viol = append(viol, Violation{qaerr.AISchema, fmt.Sprintf("step %d: missing endpoint", step.Index)})
		}
		if step.Expected.Status == "" {
			viol = append(viol, Violation{qaerr.AISchema, fmt.Sprintf("step %d: missing expected.status", step.Index)})
		} else if _, err := assertion.ParseToken(normalizeStatusToken(step.Expected.Status)); err != nil {
			if !isPlainInteger(step.Expected.Status) {
				viol = append(viol, Violation{qaerr.AISchema, fmt.Sprintf("step %d: invalid status token: %s", step.Index, err.Error())})
			}
		}
		for _, f := range step.Expected.BodyFields {
			if _, err := assertion.ParseLocator(f.Locator); err != nil {
				viol = append(viol, Violation{qaerr.AISchema, fmt.Sprintf("step %d: invalid bodyFields locator %q: %s", step.Index, f.Locator, err.Error())})
			}
			if _, err := assertion.ParseToken(f.Token); err != nil {
				viol = append(viol, Violation{qaerr.AISchema, fmt.Sprintf("step %d: invalid bodyFields token for %q: %s", step.Index, f.Locator, err.Error())})
			}
		}
		for _, h := range step.Expected.Headers {
			if _, err := assertion.ParseToken(h.Token); err != nil {
				viol = append(viol, Violation{qaerr.AISchema, fmt.Sprintf("step %d: invalid header token for %q: %s", step.Index, h.Locator, err.Error())})
			}
		}
	}
	return viol
}

func normalizeStatusToken(s string) string {
	if isPlainInteger(s) {
		return s
	}
	return s
}

func isPlainInteger(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// checkAlignment verifies the scenario actually targets an operation
// present in the fetched spec, per SPEC_FULL.md §4.5 step 2.
func checkAlignment(s scenario.Scenario, ops []specsource.Operation) []Violation {
	var viol []Violation
	for _, step := range s.Steps {
		if _, ok := specsource.MatchOperation(ops, string(step.Method), step.Endpoint); !ok {
			viol = append(viol, Violation{
				Kind:   qaerr.AIAlignment,
				Detail: fmt.Sprintf("step %d: %s %s does not match any operation in the fetched spec", step.Index, step.Method, step.Endpoint),
			})
		}
	}
	return viol
}

// checkPlaceholderSafety verifies every ${name} placeholder a step
// references either is an env.-prefixed variable or names an
// extraction declared by an earlier step, per SPEC_FULL.md §4.5 step 3.
func checkPlaceholderSafety(s scenario.Scenario) []Violation {
	var viol []Violation
	declared := map[string]bool{}

	for _, step := range s.Steps {
		refs := collectRefs(step)
		for _, name := range refs {
			if strings.HasPrefix(name, "env.") {
				continue
			}
			if !declared[name] {
				viol = append(viol, Violation{
					Kind:   qaerr.AIPlaceholder,
					Detail: fmt.Sprintf("step %d: references ${%s} before any earlier step extracts it", step.Index, name),
				})
			}
		}
		for name := range step.Extractions {
			declared[name] = true
		}
	}
	return viol
}

func collectRefs(step scenario.Step) []string {
	var names []string
	names = append(names, placeholder.Names(step.Endpoint)...)
	for _, h := range step.Headers {
		names = append(names, placeholder.Names(h.Value)...)
	}
	if step.Body != nil {
		names = append(names, placeholder.Names(*step.Body)...)
	}
	return names
}

// Fixed shape bounds from SPEC_FULL.md §4.5 step 4, applied alongside
// the configurable maxStepsPerScenario bound.
const (
	maxStepBodyBytes   = 1 << 20 // 1 MiB
	maxStepHeaderCount = 64
	maxEndpointLength  = 2048
)

// checkShape verifies the scenario stays within RunConfig's bound on
// steps per scenario plus the fixed per-step body size, header count,
// and endpoint length bounds, per SPEC_FULL.md §4.5 step 4.
func checkShape(s scenario.Scenario, maxStepsPerScenario int) []Violation {
	if maxStepsPerScenario > 0 && len(s.Steps) > maxStepsPerScenario {
		return []Violation{{
			Kind:   qaerr.AIShape,
			Detail: fmt.Sprintf("scenario has %d steps, exceeding the configured maximum of %d", len(s.Steps), maxStepsPerScenario),
		}}
	}

	var viol []Violation
	for _, step := range s.Steps {
		if len(step.Endpoint) > maxEndpointLength {
			viol = append(viol, Violation{
				Kind:   qaerr.AIShape,
				Detail: fmt.Sprintf("step %d: endpoint length %d exceeds the maximum of %d", step.Index, len(step.Endpoint), maxEndpointLength),
			})
		}
		if len(step.Headers) > maxStepHeaderCount {
			viol = append(viol, Violation{
				Kind:   qaerr.AIShape,
				Detail: fmt.Sprintf("step %d: %d headers exceeds the maximum of %d", step.Index, len(step.Headers), maxStepHeaderCount),
			})
		}
		if step.Body != nil && len(*step.Body) > maxStepBodyBytes {
			viol = append(viol, Violation{
				Kind:   qaerr.AIShape,
				Detail: fmt.Sprintf("step %d: body size %d bytes exceeds the maximum of %d", step.Index, len(*step.Body), maxStepBodyBytes),
			})
		}
	}
	return viol
}

// verifyScenario runs the four checks in the fixed order SPEC_FULL.md
// §4.5 specifies, short-circuiting after schema failure since
// alignment/placeholder/shape checks assume a structurally sound
// scenario.
func verifyScenario(rs rawScenario, s scenario.Scenario, ops []specsource.Operation, maxStepsPerScenario int) []Violation {
	if viol := checkSchema(rs, s); len(viol) > 0 {
		return viol
	}
	var viol []Violation
	viol = append(viol, checkAlignment(s, ops)...)
	viol = append(viol, checkPlaceholderSafety(s)...)
	viol = append(viol, checkShape(s, maxStepsPerScenario)...)
	return viol
}

// correctiveHint renders violations into the corrective follow-up
// message appended to the conversation before re-invoking the
// generator, grounded on pkg/agent/controller/scoring.go's pattern of
// feeding the parse failure back to the model as a user turn.
func correctiveHint(viol []Violation) string {
	var b strings.Builder
	b.WriteString("Your previous response did not satisfy the scenario contract. Fix the following and return the corrected JSON only:\n")
	for _, v := range viol {
		b.WriteString("- ")
		b.WriteString(v.Detail)
		b.WriteString("\n")
	}
	return b.String()
}
