package upstream

import (
	"fmt"
	"net"
	"net/url"
)

// guardedResolver is an empty marker type and is not used; the dial-time
// address check is checkHost, called from the client's Transport.DialContext
// before any request byte is sent. No example repo in the pack carries a ready-made
// SSRF guard; this is new code grounded on the general "hardened Transport"
// pattern used for outbound clients in internal/httputil/client.go.
type guardedResolver struct{}

// checkHost resolves host and rejects it if any resolved address falls in a
// disallowed range. It is called both for the request URL's host and for any
// configured proxy host, per spec §4.A.
func checkHost(host string) error {
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrBlockedHost)
	}

	// Literal IP: validate directly.
	if ip := net.ParseIP(host); ip != nil {
		if !isAllowedIP(ip) {
			return fmt.Errorf("%w: %s is not a routable public address", ErrBlockedHost, ip)
		}
		return nil
	}

	addrs, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("%w: %s did not resolve: %v", ErrBlockedHost, host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%w: %s resolved to no addresses", ErrBlockedHost, host)
	}
	for _, ip := range addrs {
		if !isAllowedIP(ip) {
			return fmt.Errorf("%w: %s resolves to disallowed address %s", ErrBlockedHost, host, ip)
		}
	}
	return nil
}

// isAllowedIP rejects RFC-1918 private ranges, loopback, link-local
// (including link-local multicast), multicast, and the IANA special-use
// "documentation"/test ranges, per spec §4.A.
func isAllowedIP(ip net.IP) bool {
	switch {
	case ip.IsLoopback(),
		ip.IsPrivate(),
		ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(),
		ip.IsMulticast(),
		ip.IsUnspecified():
		return false
	}

	for _, block := range testAndSpecialRanges {
		if block.Contains(ip) {
			return false
		}
	}
	return true
}

// testAndSpecialRanges are the IANA "special-use"/documentation/test ranges
// not already covered by the net.IP.Is* helpers above.
var testAndSpecialRanges = mustParseCIDRs(
	"192.0.2.0/24",    // TEST-NET-1
	"198.51.100.0/24", // TEST-NET-2
	"203.0.113.0/24",  // TEST-NET-3
	"100.64.0.0/10",   // carrier-grade NAT (shared address space)
	"198.18.0.0/15",   // benchmarking
	"::1/128",         // IPv6 loopback (redundant with IsLoopback, kept explicit)
	"64:ff9b::/96",    // NAT64 well-known prefix
	"100::/64",        // discard-only address block
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("upstream: invalid CIDR literal %q: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// checkURL validates the host component of a raw URL string.
func checkURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("upstream: invalid URL %q: %w", rawURL, err)
	}
	return checkHost(u.Hostname())
}
