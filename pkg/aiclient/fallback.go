package aiclient

import "encoding/json"

// FallbackResult builds a deterministic "inconclusive" scenario JSON
// document shaped to the Scenario JSON Contract (SPEC_FULL.md §6), for
// the Resilience Envelope's Fallback stage (§4.10) when the AI circuit
// is open. The caller (pkg/aiverify) marks the resulting Scenario
// source=FALLBACK; this function only needs to produce well-formed
// JSON the Verifier's schema check will accept.
func FallbackResult(operationID, method, path string) CompletionResult {
	doc := map[string]any{
		"name":        "fallback: " + method + " " + path,
		"description": "synthesized by the resilience envelope; AI provider circuit is open",
		"operationId": operationID,
		"steps": []map[string]any{
			{
				"index":    0,
				"name":     "fallback probe",
				"method":   method,
				"endpoint": path,
				"expected": map[string]any{
					"status": ">=200",
				},
			},
		},
	}
	b, _ := json.Marshal(doc)
	return CompletionResult{
		Text:         string(b),
		FinishReason: "fallback",
	}
}
