package orchestrator

import (
	"os"
	"strings"
	"time"
)

// aiRetryBaseDelay is the Resilience Envelope's Retry-stage base delay
// for AI provider calls, distinct from the Step Executor's transport
// retry delay since AI providers are rate-limited far more
// aggressively (SPEC_FULL.md §4.10).
const aiRetryBaseDelay = 200 * time.Millisecond

// processEnv snapshots the process environment into the map
// ${env.KEY} placeholders resolve against (pkg/placeholder) and the
// canonical payload persists for replay (SPEC_FULL.md §4.9).
func processEnv() map[string]string {
	entries := os.Environ()
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		k, v, ok := strings.Cut(e, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}
