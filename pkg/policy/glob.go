package policy

import "strings"

// Match reports whether value matches pattern, where '*' matches any
// sequence of characters including the empty one. Matching is linear via
// star backtracking; no other metacharacters are recognized.
func Match(pattern, value string) bool {
	px, vx := 0, 0
	restartPx, restartVx := -1, -1
	for px < len(pattern) || vx < len(value) {
		if px < len(pattern) {
			switch c := pattern[px]; c {
			case '*':
				restartPx = px
				restartVx = vx + 1
				px++
				continue
			default:
				if vx < len(value) && value[vx] == c {
					px++
					vx++
					continue
				}
			}
		}
		if restartVx >= 1 && restartVx <= len(value) {
			px = restartPx
			vx = restartVx
			continue
		}
		return false
	}
	return true
}

// MatchesAny reports whether value matches at least one pattern.
func MatchesAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if Match(p, value) {
			return true
		}
	}
	return false
}

// Covers reports whether pattern p covers pattern q: every string matching
// q also matches p.
//
// When q is a literal the check is a plain match of q against p. When q
// carries a wildcard it matches an unbounded suffix family, so p can only
// cover it with a trailing '*' whose literal prefix is a prefix of q's
// literal prefix. Patterns with an interior '*' never cover a wildcard q;
// the check stays conservative and denies.
func Covers(p, q string) bool {
	if p == q {
		return true
	}
	qStar := strings.IndexByte(q, '*')
	if qStar < 0 {
		return Match(p, q)
	}
	qPrefix := q[:qStar]

	pStar := strings.IndexByte(p, '*')
	if pStar < 0 {
		return false
	}
	if pStar != len(p)-1 {
		return false
	}
	return strings.HasPrefix(qPrefix, p[:pStar])
}

// CoveredAll reports whether every pattern in requested is covered by at
// least one pattern in allowed.
func CoveredAll(allowed, requested []string) bool {
	for _, q := range requested {
		covered := false
		for _, p := range allowed {
			if Covers(p, q) {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

// ContainsAll reports whether every requested element is present in
// allowed, by exact comparison. Used for action names, which are plain
// identifiers rather than patterns.
func ContainsAll(allowed, requested []string) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		set[a] = struct{}{}
	}
	for _, r := range requested {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}
