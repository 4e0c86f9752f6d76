// Package placeholder resolves ${var} and ${env.KEY} references in
// step templates. Per SPEC_FULL.md §9's design note, this is
// deliberately a single hand-rolled regex scan rather than a
// general-purpose templating engine: resolution must be single-pass,
// left-to-right, non-recursive, and purely textual — a resolved value
// is never re-scanned, and substitution happens before JSON parsing.
package placeholder

import (
	"regexp"
	"strings"

	"github.com/hermanngeorge15/qawave-core/pkg/scenario"
)

// tokenPattern matches ${NAME} where NAME is [A-Za-z_][A-Za-z0-9_.]*,
// per SPEC_FULL.md §4.2.
var tokenPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_.]*)\}`)

const envPrefix = "env."

// Resolve substitutes every ${...} token in template using ctx,
// returning the resolved string and the list of names that could not
// be resolved (attached to a step's failure reason by the caller).
func Resolve(template string, ctx *scenario.ExecutionContext) (string, []string) {
	var unresolved []string

	result := tokenPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := tokenPattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(name, envPrefix) {
			key := strings.TrimPrefix(name, envPrefix)
			if v, ok := ctx.Environment[key]; ok {
				return v
			}
			unresolved = append(unresolved, name)
			return match
		}

		if v, ok := ctx.Extracted[name]; ok {
			return v
		}
		unresolved = append(unresolved, name)
		return match
	})

	return result, unresolved
}

// HasPlaceholders reports whether template still contains any ${...}
// token, used by the Scenario Executor to detect unresolved
// references before issuing the HTTP call.
func HasPlaceholders(template string) bool {
	return tokenPattern.MatchString(template)
}

// Names returns every placeholder name referenced in template, in
// order of first appearance, used by the AI Verifier's placeholder
// safety check (SPEC_FULL.md §4.5 step 3).
func Names(template string) []string {
	matches := tokenPattern.FindAllStringSubmatch(template, -1)
	names := make([]string, 0, len(matches))
	seen := make(map[string]bool, len(matches))
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}
