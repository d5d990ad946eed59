// Package routing provides boundary-checked path prefix matching shared by
// the host router, proxy and rate limiter.
package routing

import "strings"

// MatchesPrefix checks if path matches prefix with boundary enforcement.
// The path must either equal the prefix, the prefix must end with "/",
// or the character after the prefix in path must be "/".
func MatchesPrefix(path, prefix string) bool {
	if prefix == "" || !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) || prefix[len(prefix)-1] == '/' {
		return true
	}
	return path[len(prefix)] == '/'
}

// MatchesAny reports whether path matches at least one of prefixes.
func MatchesAny(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if MatchesPrefix(path, p) {
			return true
		}
	}
	return false
}

// Longest returns the index of the longest prefix matching path, or -1.
func Longest(path string, prefixes []string) int {
	best, bestLen := -1, 0
	for i, p := range prefixes {
		if len(p) > bestLen && MatchesPrefix(path, p) {
			best, bestLen = i, len(p)
		}
	}
	return best
}
