package validation

import (
	"regexp"
	"strings"

	"github.com/wolfman30/groundguard/internal/patterns"
)

// FamilyNumeric is the blocked-pattern family reported for unit-bearing
// numeric values.
const FamilyNumeric = "numeric_with_unit"

// Claim is a span of text that needs grounding.
type Claim struct {
	Family string `json:"family"`
	Kind   string `json:"kind"`
	Text   string `json:"text"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
}

// numericClaims finds unit-bearing values. A match directly preceded by a
// letter and a hyphen is part of an identifier (R-410A, NM-B 12) and skipped.
func numericClaims(text string, matchers []patterns.Matcher) []Claim {
	var out []Claim
	for _, m := range matchers {
		for _, loc := range m.FindAllIndex(text) {
			if partOfIdentifier(text, loc[0]) {
				continue
			}
			out = append(out, Claim{
				Family: FamilyNumeric,
				Kind:   m.Category,
				Text:   text[loc[0]:loc[1]],
				Start:  loc[0],
				End:    loc[1],
			})
		}
	}
	return out
}

func blockedClaims(text string, matchers []patterns.Matcher) []Claim {
	var out []Claim
	for _, m := range matchers {
		for _, loc := range m.FindAllIndex(text) {
			out = append(out, Claim{
				Family: m.Category,
				Kind:   m.ID,
				Text:   text[loc[0]:loc[1]],
				Start:  loc[0],
				End:    loc[1],
			})
		}
	}
	return out
}

func partOfIdentifier(text string, start int) bool {
	if start < 2 || text[start-1] != '-' {
		return false
	}
	c := text[start-2]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

var (
	claimNumber = regexp.MustCompile(`^#?\s*(\d+(?:[.,/]\d+)*)\s*(.*)$`)
	unitStrip   = strings.NewReplacer(" ", "", ".", "", "-", "", "·", "", "\t", "", "\n", "")
)

// unitAliases maps a stripped, lower-cased unit spelling to its canonical form.
var unitAliases = map[string]string{
	"psig": "psi", "psi": "psi", "psia": "psia", "kpa": "kpa", "mbar": "mbar", "bar": "bar",
	"iwc": "inwc", "inwc": "inwc", "incheswc": "inwc", "incheswatercolumn": "inwc", "inchesofwatercolumn": "inwc",

	"°f": "°f", "ºf": "°f", "degf": "°f", "degreef": "°f", "degreesf": "°f",
	"degfahrenheit": "°f", "degreefahrenheit": "°f", "degreesfahrenheit": "°f",
	"°c": "°c", "ºc": "°c", "degc": "°c", "degreec": "°c", "degreesc": "°c",
	"degcelsius": "°c", "degreecelsius": "°c", "degreescelsius": "°c",

	"v": "v", "volt": "v", "volts": "v", "vac": "vac", "vdc": "vdc", "kv": "kv",
	"mv": "mv", "millivolt": "mv", "millivolts": "mv",
	"a": "a", "amp": "a", "amps": "a", "ampere": "a", "amperes": "a",
	"ma": "ma", "milliamp": "ma", "milliamps": "ma",
	"w": "w", "watt": "w", "watts": "w", "kw": "kw", "kva": "kva", "va": "va",
	"hz": "hz", "hertz": "hz",
	"ω": "ohm", "ohm": "ohm", "ohms": "ohm", "kohm": "kohm", "kohms": "kohm",
	"uf": "uf", "mfd": "uf", "microfarad": "uf", "microfarads": "uf",

	"awg": "awg", "ga": "awg", "gauge": "awg", "wire": "awg",

	"btu": "btuh", "btuh": "btuh", "btu/h": "btuh", "mbh": "mbh", "cfm": "cfm", "gpm": "gpm",
	"ton": "ton", "tons": "ton",

	"inlb": "inlb", "inlbs": "inlb", "ftlb": "ftlb", "ftlbs": "ftlb", "nm": "nm",
}

// normalizeClaim renders a claim as "<number> <canonical unit>" so spelling
// differences between the response and the reference do not matter.
func normalizeClaim(claim string) string {
	s := strings.Join(strings.Fields(strings.ToLower(claim)), " ")
	m := claimNumber.FindStringSubmatch(s)
	if m == nil {
		return s
	}
	number := normalizeNumber(m[1])
	unit := unitStrip.Replace(m[2])
	if canon, ok := unitAliases[unit]; ok {
		unit = canon
	}
	return number + " " + unit
}

// normalizeNumber drops thousands separators ("1,200") and reads any other
// comma as a decimal point ("3,5").
func normalizeNumber(n string) string {
	parts := strings.Split(n, ",")
	if len(parts) == 1 {
		return n
	}
	thousands := true
	for _, p := range parts[1:] {
		if len(p) < 3 || !isDigits(p[:3]) {
			thousands = false
			break
		}
	}
	if thousands {
		return strings.Join(parts, "")
	}
	return strings.Join(parts, ".")
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// referenceClaims is the set of normalised numeric claims found in the
// reference passages.
func referenceClaims(texts []string, matchers []patterns.Matcher) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range texts {
		for _, c := range numericClaims(t, matchers) {
			set[normalizeClaim(c.Text)] = struct{}{}
		}
	}
	return set
}
