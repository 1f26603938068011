// Package classify decides whether a question is about codes and
// regulations, which jurisdiction applies, which trades it touches and
// whether it concerns warranty, safety or liability.
package classify

import (
	"strings"

	"github.com/wolfman30/groundguard/internal/patterns"
)

// Jurisdiction values. Region codes come from the pattern library.
const (
	JurisdictionUS     = "us"
	JurisdictionCanada = "ca"
	JurisdictionBoth   = "both"
	JurisdictionNone   = "none"
)

// DomainGeneral is reported when no trade keywords match.
const DomainGeneral = "general"

// Classification is computed once per request and never modified.
type Classification struct {
	IsRegulatedQuery bool     `json:"is_regulated_query"`
	Jurisdiction     string   `json:"jurisdiction"`
	Domains          []string `json:"domains"`
	Sensitive        bool     `json:"sensitive"`
	SensitiveTopics  []string `json:"sensitive_topics,omitempty"`
}

// Classifier applies the library's vocabulary lists.
type Classifier struct {
	regulated     []patterns.Matcher
	jurisdictions []patterns.Jurisdiction
	domains       []patterns.Domain
	sensitive     []patterns.Matcher
}

func NewClassifier(lib *patterns.Library) *Classifier {
	return &Classifier{
		regulated:     lib.Regulated(),
		jurisdictions: lib.Jurisdictions(),
		domains:       lib.Domains(),
		sensitive:     lib.Sensitive(),
	}
}

// Classify inspects the query text. tenantRegion is the tenant's configured
// region and is used only when the text names no region.
func (c *Classifier) Classify(text, tenantRegion string) Classification {
	out := Classification{Jurisdiction: JurisdictionNone}

	out.IsRegulatedQuery = anyMatch(c.regulated, text)
	if out.IsRegulatedQuery {
		out.Jurisdiction = c.jurisdiction(text, tenantRegion)
	}

	for _, d := range c.domains {
		if anyMatch(d.Matchers, text) {
			out.Domains = append(out.Domains, d.Name)
		}
	}
	if len(out.Domains) == 0 {
		out.Domains = []string{DomainGeneral}
	}

	for _, m := range c.sensitive {
		if m.MatchString(text) {
			out.SensitiveTopics = append(out.SensitiveTopics, m.Category)
		}
	}
	out.Sensitive = len(out.SensitiveTopics) > 0

	return out
}

func (c *Classifier) jurisdiction(text, tenantRegion string) string {
	var found []string
	for _, j := range c.jurisdictions {
		if anyMatch(j.Indicators, text) {
			found = append(found, j.Code)
		}
	}
	switch len(found) {
	case 0:
	case 1:
		return found[0]
	default:
		return JurisdictionBoth
	}

	region := strings.ToLower(strings.TrimSpace(tenantRegion))
	for _, j := range c.jurisdictions {
		if j.Code == region {
			return region
		}
	}
	// Unknown tenant region: accept either region's codes.
	return JurisdictionBoth
}

// RegulationBodies returns the code bodies that may be cited for a
// jurisdiction. "both" yields the union in library order; "none" yields nil.
func (c *Classifier) RegulationBodies(jurisdiction string) []string {
	if jurisdiction == JurisdictionNone || jurisdiction == "" {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, j := range c.jurisdictions {
		if jurisdiction != JurisdictionBoth && j.Code != jurisdiction {
			continue
		}
		for _, b := range j.Bodies {
			if !seen[b] {
				seen[b] = true
				out = append(out, b)
			}
		}
	}
	return out
}

func anyMatch(ms []patterns.Matcher, text string) bool {
	for _, m := range ms {
		if m.MatchString(text) {
			return true
		}
	}
	return false
}
