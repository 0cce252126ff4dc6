package services

import (
	"strings"
	"unicode/utf8"

	"github.com/xrash/smetrics"
)

// Winkler's standard parameters: the prefix bonus applies above a Jaro score
// of 0.7 and counts at most four leading characters.
const (
	winklerBoostThreshold = 0.7
	winklerPrefixSize     = 4
)

// NameSimilarity scores two normalised names in [0, 1]. It is the larger of
// the Jaro-Winkler similarity and an initials-aware token match, so
// "j smith" scores high against "john smith" but not against "jane smyth".
func NameSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	// Greedy character matching depends on argument order; score both ways.
	jw := max(
		smetrics.JaroWinkler(a, b, winklerBoostThreshold, winklerPrefixSize),
		smetrics.JaroWinkler(b, a, winklerBoostThreshold, winklerPrefixSize),
	)
	if ini := initialsMatch(a, b); ini > jw {
		return ini
	}
	return jw
}

// initialsMatch compares token by token. The last tokens (surnames) must be
// equal; every other pair must be equal or an initial of the other.
func initialsMatch(a, b string) float64 {
	ta, tb := strings.Fields(a), strings.Fields(b)
	if len(ta) != len(tb) || len(ta) < 2 {
		return 0
	}
	last := len(ta) - 1
	if ta[last] != tb[last] {
		return 0
	}
	initials := 0
	for i := 0; i < last; i++ {
		x, y := ta[i], tb[i]
		switch {
		case x == y:
		case isInitialOf(x, y) || isInitialOf(y, x):
			initials++
		default:
			return 0
		}
	}
	if initials == 0 {
		return 1
	}
	return 0.92
}

func isInitialOf(initial, word string) bool {
	r, n := utf8.DecodeRuneInString(initial)
	if n != len(initial) {
		return false
	}
	w, _ := utf8.DecodeRuneInString(word)
	return r == w
}
