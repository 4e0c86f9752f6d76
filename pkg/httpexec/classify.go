package httpexec

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/hermanngeorge15/qawave-core/pkg/qaerr"
)

// classifyTransportError maps a raw net/http error into the taxonomy
// of SPEC_FULL.md §7, grounded on pkg/mcp/recovery.go's
// ClassifyError/isConnectionError pattern, generalized from MCP
// session recovery to HTTP transport errors contacting the
// system-under-test.
func classifyTransportError(err error) *qaerr.Error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return qaerr.New(qaerr.Cancelled, "request cancelled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return qaerr.New(qaerr.Timeout, "step exceeded its timeout")
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return qaerr.New(qaerr.Timeout, "step exceeded its timeout")
	}

	if isConnectionError(err) {
		return qaerr.New(qaerr.Network, "connection error contacting system under test")
	}

	return qaerr.New(qaerr.Network, err.Error())
}

// isConnectionError detects connection-level transport failures by
// well-known substrings of the lower-cased error text.
func isConnectionError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"connection closed",
		"no such host",
		"eof",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// isRetryableTransport reports whether a transport failure (not an
// application-level non-2xx) should be retried, per SPEC_FULL.md §4.3
// step 5: connection refused, reset, DNS, and timeout are retryable;
// non-2xx responses are handed to the evaluator and never retried here.
func isRetryableTransport(err error) bool {
	if err == nil {
		return false
	}
	kind := classifyTransportError(err)
	return kind.Kind == qaerr.Network || kind.Kind == qaerr.Timeout
}
