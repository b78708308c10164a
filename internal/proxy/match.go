package proxy

import (
	"net"
	"strings"
)

// stripPort returns the host part of a host:port target. Bracketed IPv6
// literals lose their brackets; a bare host passes through unchanged.
func stripPort(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return strings.Trim(hostport, "[]")
}

// matchDomain reports whether host matches a single allow-list entry. Entries
// with a "*." prefix match the bare domain and any subdomain; everything else
// is an exact hostname match. Ports are ignored.
func matchDomain(host, pattern string) bool {
	host = stripPort(host)

	host = strings.ToLower(host)
	pattern = strings.ToLower(pattern)

	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	}
	return host == pattern
}

// matchAnyDomain checks host against the whole allow-list.
func matchAnyDomain(host string, patterns []string) bool {
	for _, p := range patterns {
		if matchDomain(host, p) {
			return true
		}
	}
	return false
}
