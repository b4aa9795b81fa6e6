// Package fuzzy scores approximate string similarity for entity
// resolution.
//
// TokenRatio compares token sets rather than raw strings, so word order
// and partial phrases ("свет" against "Кухонный свет") score high while
// unrelated names stay low. The score is an integer in [0, 100] with three
// guaranteed properties: a string scores 100 against itself, arguments are
// interchangeable, and adding the same token to both sides never lowers
// the score.
package fuzzy

import (
	"math"
	"strings"

	"github.com/antzucaro/matchr"
)

// TokenRatio returns the similarity of a and b in [0, 100].
func TokenRatio(a, b string) int {
	ta, tb := tokens(a), tokens(b)
	switch {
	case len(ta) == 0 && len(tb) == 0:
		return 100
	case len(ta) == 0 || len(tb) == 0:
		return 0
	}
	score := (meanBest(ta, tb) + meanBest(tb, ta)) / 2
	return int(math.Round(score * 100))
}

func tokens(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

// meanBest averages, over the tokens of from, the best similarity each one
// reaches against the tokens of to.
func meanBest(from, to []string) float64 {
	var sum float64
	for _, t := range from {
		sum += bestSimilarity(t, to)
	}
	return sum / float64(len(from))
}

func bestSimilarity(t string, candidates []string) float64 {
	var best float64
	for _, c := range candidates {
		if s := similarity(t, c); s > best {
			best = s
			if best == 1 {
				break
			}
		}
	}
	return best
}

// similarity scores two single tokens in [0, 1] as the better of
// Jaro-Winkler and length-normalized Levenshtein. Jaro-Winkler favors
// shared prefixes (inflected word endings in Russian), the Levenshtein
// side handles transposition-heavy recognizer typos.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	score := matchr.JaroWinkler(a, b, false)

	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	if longest > 0 {
		lev := 1 - float64(matchr.Levenshtein(a, b))/float64(longest)
		if lev > score {
			score = lev
		}
	}
	return score
}
