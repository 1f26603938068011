package retrieval

import (
	"strings"
	"unicode"
)

// Deduplicate keeps passages in order and drops any whose token overlap with
// an already kept passage is at least threshold. Overlap is
// |A∩B| / min(|A|,|B|) over distinct lower-cased word tokens, so a short
// chunk fully contained in a longer neighbour counts as a duplicate.
func Deduplicate(passages []Passage, threshold float64) ([]Passage, []Dropped) {
	kept := make([]Passage, 0, len(passages))
	keptTokens := make([]map[string]struct{}, 0, len(passages))
	var dropped []Dropped

outer:
	for _, p := range passages {
		tokens := tokenSet(p.Text)
		for i, other := range keptTokens {
			if overlapRatio(tokens, other) >= threshold {
				dropped = append(dropped, Dropped{PassageID: p.ID, Reason: "duplicate_of:" + kept[i].ID})
				continue outer
			}
		}
		kept = append(kept, p)
		keptTokens = append(keptTokens, tokens)
	}
	return kept, dropped
}

func overlapRatio(a, b map[string]struct{}) float64 {
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	if len(small) == 0 {
		// Two empty passages are identical; an empty and a non-empty one are not.
		if len(large) == 0 {
			return 1
		}
		return 0
	}
	shared := 0
	for tok := range small {
		if _, ok := large[tok]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(small))
}

func tokenSet(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.'
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".")
		if f != "" {
			set[f] = struct{}{}
		}
	}
	return set
}
