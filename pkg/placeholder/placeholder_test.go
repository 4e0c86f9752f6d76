package placeholder

import (
	"testing"

	"github.com/hermanngeorge15/qawave-core/pkg/scenario"
	"github.com/stretchr/testify/require"
)

func TestResolve_ExtractedAndEnv(t *testing.T) {
	ctx := scenario.NewExecutionContext(map[string]string{"API_KEY": "secret123"})
	ctx.Merge(map[string]string{"userId": "u-42"})

	out, unresolved := Resolve("/users/${userId}?key=${env.API_KEY}", ctx)
	require.Equal(t, "/users/u-42?key=secret123", out)
	require.Empty(t, unresolved)
}

func TestResolve_Unresolved(t *testing.T) {
	ctx := scenario.NewExecutionContext(nil)
	out, unresolved := Resolve("/users/${missingVar}", ctx)
	require.Equal(t, "/users/${missingVar}", out)
	require.Equal(t, []string{"missingVar"}, unresolved)
}

func TestResolve_NonRecursive(t *testing.T) {
	// A resolved value containing a literal "${...}" must not be re-scanned.
	ctx := scenario.NewExecutionContext(nil)
	ctx.Merge(map[string]string{"tricky": "${env.SECRET}"})
	out, unresolved := Resolve("${tricky}", ctx)
	require.Equal(t, "${env.SECRET}", out)
	require.Empty(t, unresolved)
}

func TestNames_Dedup(t *testing.T) {
	names := Names("${a}/${b}/${a}")
	require.Equal(t, []string{"a", "b"}, names)
}

func TestHasPlaceholders(t *testing.T) {
	require.True(t, HasPlaceholders("${x}"))
	require.False(t, HasPlaceholders("no tokens here"))
}
