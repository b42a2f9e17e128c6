package ipaccess

import (
	"net"
	"strings"
)

// maxTrustedProxyDepth bounds how far back in x-forwarded-for a deployment
// may reach.
const maxTrustedProxyDepth = 10

// ResolveClientIP picks the client address for policy decisions.
// x-forwarded-for wins when it yields a valid address: the element
// trustedProxyDepth hops from the right is the last one appended by
// infrastructure we trust. x-real-ip is next, then the transport peer.
// Returned addresses are canonicalized (v4-mapped v6 becomes plain v4).
func ResolveClientIP(forwardedFor, realIP, peer string, trustedProxyDepth int) string {
	depth := trustedProxyDepth
	if depth < 0 {
		depth = 0
	}
	if depth > maxTrustedProxyDepth {
		depth = maxTrustedProxyDepth
	}

	if hops := splitForwarded(forwardedFor); len(hops) > 0 {
		idx := len(hops) - 1 - depth
		if idx < 0 {
			idx = 0
		}
		if a, ok := parseAddr(stripPort(hops[idx])); ok {
			return a.String()
		}
	}
	if a, ok := parseAddr(stripPort(realIP)); ok {
		return a.String()
	}
	host := stripPort(peer)
	if a, ok := parseAddr(host); ok {
		return a.String()
	}
	return host
}

func splitForwarded(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// stripPort removes a :port suffix when present, tolerating bracketed
// IPv6 literals and bare addresses alike.
func stripPort(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return host
	}
	return strings.Trim(s, "[]")
}
