package validation

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// Citation kinds.
const (
	KindSource = "source"
	KindCode   = "code"
)

// minCitationName keeps one- and two-letter names from matching every known
// source by substring.
const minCitationName = 3

// Citation is a parsed inline citation marker.
type Citation struct {
	Kind  string `json:"kind"`
	Name  string `json:"name"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	// Valid is true when the name resolves to a known source or, in
	// regulated mode, to an allowed regulation body.
	Valid bool `json:"valid"`
	// Regulation is true when the citation names an allowed regulation body
	// in regulated mode.
	Regulation bool `json:"regulation,omitempty"`
}

// counts reports whether the citation can ground an adjacent claim.
func (c Citation) counts() bool {
	if c.Kind == KindCode {
		return c.Regulation
	}
	return true
}

type citationResolver struct {
	known     []string
	bodies    []string
	regulated bool
}

func parseCitations(text string, doc, reg *regexp.Regexp, r citationResolver) []Citation {
	var out []Citation
	collect := func(re *regexp.Regexp, kind string) {
		if re == nil {
			return
		}
		for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
			if len(m) < 4 || m[2] < 0 {
				continue
			}
			c := Citation{
				Kind:  kind,
				Name:  strings.TrimSpace(text[m[2]:m[3]]),
				Start: m[0],
				End:   m[1],
			}
			c.Regulation = r.regulated && hasBodyPrefix(c.Name, r.bodies)
			c.Valid = c.Regulation || matchesKnownSource(c.Name, r.known)
			out = append(out, c)
		}
	}
	collect(doc, KindSource)
	collect(reg, KindCode)

	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// matchesKnownSource is a case-insensitive substring match in either
// direction, tried on the full name and on the part before the first comma
// (so "Install Guide, p. 12" resolves to "Install Guide").
func matchesKnownSource(name string, known []string) bool {
	candidates := []string{strings.ToLower(strings.TrimSpace(name))}
	if i := strings.Index(name, ","); i > 0 {
		candidates = append(candidates, strings.ToLower(strings.TrimSpace(name[:i])))
	}
	for _, k := range known {
		k = strings.ToLower(strings.TrimSpace(k))
		if len(k) < minCitationName {
			continue
		}
		for _, c := range candidates {
			if len(c) < minCitationName {
				continue
			}
			if strings.Contains(k, c) || strings.Contains(c, k) {
				return true
			}
		}
	}
	return false
}

// hasBodyPrefix reports whether name starts with an allowed body followed by
// a non-letter, so "NEC 210.8" and "NFPA-70" match but "NECESSARY" does not.
func hasBodyPrefix(name string, bodies []string) bool {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for _, b := range bodies {
		if b == "" || !strings.HasPrefix(upper, b) {
			continue
		}
		rest := upper[len(b):]
		if rest == "" {
			return true
		}
		r := []rune(rest)[0]
		if !unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
