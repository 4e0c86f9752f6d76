// Package sanitize scrubs secrets and internal detail out of error
// messages before they are persisted to the journal or returned to a
// caller, per SPEC_FULL.md §7's "no stack traces, no secrets, no
// internal identifiers beyond runId/scenarioId/stepIndex" requirement.
// Grounded on pkg/masking/pattern.go's compiled-regex masker registry,
// narrowed from a configurable per-MCP-server pattern set to a fixed
// built-in list, since the core has no equivalent of tarsy's
// per-server masking configuration.
package sanitize

import "regexp"

// builtinPattern pairs a compiled regex with its replacement text,
// mirroring pkg/masking/pattern.go's CompiledPattern.
type builtinPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// patterns is the fixed built-in set applied to every error message.
// Order matters: bearer tokens and basic-auth userinfo are masked
// before the generic key=value pattern so a generic match never
// partially overlaps an already-masked token.
var patterns = []builtinPattern{
	{
		name:        "bearer_token",
		regex:       regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._\-]+`),
		replacement: "Bearer ***",
	},
	{
		name:        "basic_auth_userinfo",
		regex:       regexp.MustCompile(`://[^/@\s:]+:[^/@\s]+@`),
		replacement: "://***:***@",
	},
	{
		name:        "aws_access_key",
		regex:       regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`),
		replacement: "***AWS_KEY***",
	},
	{
		name:        "generic_key_value_secret",
		regex:       regexp.MustCompile(`(?i)\b(api[_-]?key|secret|token|password|passwd)\s*[=:]\s*\S+`),
		replacement: "$1=***",
	},
}

// Message sanitizes msg, replacing anything matching a built-in secret
// pattern. It never returns more detail than was present in the input;
// it only redacts.
func Message(msg string) string {
	out := msg
	for _, p := range patterns {
		out = p.regex.ReplaceAllString(out, p.replacement)
	}
	return out
}
