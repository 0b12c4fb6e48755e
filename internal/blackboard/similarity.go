package blackboard

import (
	"strings"
	"unicode"
)

// Similarity scores how alike two entry contents are, in [0,1]. The engine
// never interprets content itself; callers can plug in anything from token
// overlap to an embedding model.
type Similarity interface {
	Score(a, b string) float64
}

// SimilarityFunc adapts a function to Similarity.
type SimilarityFunc func(a, b string) float64

// Score calls f.
func (f SimilarityFunc) Score(a, b string) float64 { return f(a, b) }

// TokenJaccard is the Jaccard index over lower-cased word tokens.
type TokenJaccard struct{}

// Score returns |A∩B| / |A∪B|. Two empty strings are identical.
func (TokenJaccard) Score(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	inter := 0
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokens(s string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		out[f] = true
	}
	return out
}
