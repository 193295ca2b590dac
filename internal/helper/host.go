package helper

import (
	"github.com/tidwall/match"
)

// MatchHost reports whether address matches any of the host patterns.
// Patterns may carry a port ("example.com:443") and use glob wildcards
// in the hostname part ("*.example.com").
func MatchHost(address string, hosts []string) bool {
	hostname, port := SplitHostPort(address)
	for _, host := range hosts {
		h, p := SplitHostPort(host)
		if matchHostname(hostname, h) && (p == "" || p == port) {
			return true
		}
	}
	return false
}

func matchHostname(hostname string, pattern string) bool {
	if pattern == "*" {
		return true
	}
	return match.Match(hostname, pattern)
}
