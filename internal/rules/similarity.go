package rules

import (
	"strings"
	"unicode"
)

// normalizeName normalizes a name for watchlist comparison
func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))

	// Remove common honorifics
	for _, prefix := range []string{"mr.", "mrs.", "ms.", "dr.", "prof."} {
		name = strings.TrimPrefix(name, prefix)
	}

	var result strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsNumber(r) || r == ' ' {
			result.WriteRune(r)
		}
	}

	return strings.Join(strings.Fields(result.String()), " ")
}

// jaroWinkler calculates Jaro-Winkler similarity between two strings.
// Returns a value between 0 (no match) and 1 (exact match).
func jaroWinkler(s1, s2 string) float64 {
	if s1 == s2 {
		return 1.0
	}
	if len(s1) == 0 || len(s2) == 0 {
		return 0.0
	}

	matchDistance := max(max(len(s1), len(s2))/2-1, 0)

	s1Matches := make([]bool, len(s1))
	s2Matches := make([]bool, len(s2))

	matches := 0
	for i := 0; i < len(s1); i++ {
		start := max(0, i-matchDistance)
		end := min(i+matchDistance+1, len(s2))
		for j := start; j < end; j++ {
			if s2Matches[j] || s1[i] != s2[j] {
				continue
			}
			s1Matches[i] = true
			s2Matches[j] = true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0.0
	}

	transpositions := 0
	k := 0
	for i := 0; i < len(s1); i++ {
		if !s1Matches[i] {
			continue
		}
		for !s2Matches[k] {
			k++
		}
		if s1[i] != s2[k] {
			transpositions++
		}
		k++
	}

	m := float64(matches)
	jaro := (m/float64(len(s1)) + m/float64(len(s2)) + (m-float64(transpositions/2))/m) / 3.0

	// Winkler prefix bonus, up to four characters
	prefix := 0
	for i := 0; i < min(4, len(s1), len(s2)); i++ {
		if s1[i] != s2[i] {
			break
		}
		prefix++
	}

	return jaro + float64(prefix)*0.1*(1.0-jaro)
}

// bestMatch returns the closest normalized candidate and its similarity
func bestMatch(name string, candidates []string) (string, float64) {
	normalized := normalizeName(name)
	best, bestScore := "", 0.0
	for _, c := range candidates {
		if score := jaroWinkler(normalized, c); score > bestScore {
			best, bestScore = c, score
		}
	}
	return best, bestScore
}
