package service

import "strings"

// matchGlob implements the spec's POSIX-like glob matcher (spec §4.2, §8,
// §9): `*` matches any run of characters except `/`, `**` matches any run
// including `/`, and a pattern wrapped in `!(...)` matches exactly the
// complement of the inner pattern. Matching is case-sensitive and performs
// no path canonicalisation — "/sandbox/../x" does not match "/sandbox/**"
// because the literal string is matched as written and neither wildcard
// consumes a ".." path segment.
func matchGlob(value, pattern string) bool {
	if neg, inner, ok := negation(pattern); ok {
		matched := globMatch(value, inner)
		if neg {
			return !matched
		}
		return matched
	}
	return globMatch(value, pattern)
}

// negation reports whether pattern has the form "!(p)" and returns p.
func negation(pattern string) (isNeg bool, inner string, ok bool) {
	if strings.HasPrefix(pattern, "!(") && strings.HasSuffix(pattern, ")") {
		return true, pattern[2 : len(pattern)-1], true
	}
	return false, pattern, false
}

// globMatch implements * and ** segment matching over value/pattern by
// recursive descent, the classic glob backtracking algorithm extended with
// a doubled-star wildcard that is allowed to consume '/'.
func globMatch(value, pattern string) bool {
	return matchAt(value, pattern, 0, 0)
}

func matchAt(v, p string, vi, pi int) bool {
	for pi < len(p) {
		switch p[pi] {
		case '*':
			// Detect "**" (crosses '/') vs single "*" (stops at '/').
			doubleStar := pi+1 < len(p) && p[pi+1] == '*'
			nextPi := pi + 1
			if doubleStar {
				nextPi = pi + 2
			}
			// Try consuming 0..n characters of v at this position.
			for consume := 0; vi+consume <= len(v); consume++ {
				if !doubleStar && consume > 0 && v[vi+consume-1] == '/' {
					// single '*' must not cross a path separator
					break
				}
				// no wildcard consumes a ".." segment, so a value that
				// climbs out of a matched prefix stays unmatched
				if end := vi + consume; consume >= 2 && v[end-1] == '.' && v[end-2] == '.' &&
					(end-2 == 0 || v[end-3] == '/') && (end == len(v) || v[end] == '/') {
					break
				}
				if matchAt(v, p, vi+consume, nextPi) {
					return true
				}
			}
			return false
		default:
			if vi >= len(v) || v[vi] != p[pi] {
				return false
			}
			vi++
			pi++
		}
	}
	return vi == len(v)
}
