package httpexec

import (
	"net"
	"net/url"

	"github.com/hermanngeorge15/qawave-core/pkg/qaerr"
)

// checkSSRF rejects targets whose host resolves to a loopback,
// link-local, or RFC1918 address unless allowInternal is set
// (SPEC_FULL.md §4.3 step 3, §9 Open Question resolved: authoritative
// regardless of any weaker behavior elsewhere).
func checkSSRF(target *url.URL, allowInternal bool) error {
	if allowInternal {
		return nil
	}

	host := target.Hostname()
	ips, err := net.LookupIP(host)
	if err != nil {
		// Literal IP in the URL: LookupIP resolves it to itself; a
		// genuine DNS failure is reported as a transport NETWORK error
		// by the caller, not an SSRF block.
		if ip := net.ParseIP(host); ip != nil {
			ips = []net.IP{ip}
		} else {
			return nil
		}
	}

	for _, ip := range ips {
		if isForbidden(ip) {
			return qaerr.New(qaerr.SSRFBlocked, "target host resolves to a forbidden address range")
		}
	}
	return nil
}

func isForbidden(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || isPrivateRFC1918(ip)
}

func isPrivateRFC1918(ip net.IP) bool {
	return ip.IsPrivate()
}
