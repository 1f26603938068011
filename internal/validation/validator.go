// Package validation is the response policy engine. It decides, once the
// full generated response is known, whether the response may be released.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/wolfman30/groundguard/internal/classify"
	"github.com/wolfman30/groundguard/internal/patterns"
)

// Rule ids recorded in Verdict.MatchedRuleIDs.
const (
	RuleBlockedPatternPrefix     = "blocked_pattern:"
	RuleMissingAdjacentCitation  = "missing_adjacent_citation"
	RuleNoReferenceMaterial      = "no_reference_material"
	RuleUnknownCitationSource    = "unknown_citation_source"
	RuleUnverifiedNumericClaims  = "unverified_numeric_claims"
	RuleParagraphCitationDensity = "paragraph_citation_density"
	RuleLengthCapTruncated       = "length_cap_truncated"
	RuleWarrantyDisclaimer       = "warranty_disclaimer"
	RuleHumanReviewPrefix        = "human_review:"
)

// citationLookback is how far before a claim a citation may end and still
// count as adjacent.
const citationLookback = 40

// Config holds the validator's thresholds. Zero values use DefaultConfig.
type Config struct {
	MaxChars                     int
	ParagraphMinChars            int
	CitationWindow               int
	UnverifiedThreshold          int
	SensitiveUnverifiedThreshold int
}

func DefaultConfig() Config {
	return Config{
		MaxChars:                     4000,
		ParagraphMinChars:            50,
		CitationWindow:               240,
		UnverifiedThreshold:          2,
		SensitiveUnverifiedThreshold: 1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxChars <= 0 {
		c.MaxChars = d.MaxChars
	}
	if c.ParagraphMinChars <= 0 {
		c.ParagraphMinChars = d.ParagraphMinChars
	}
	if c.CitationWindow <= 0 {
		c.CitationWindow = d.CitationWindow
	}
	if c.UnverifiedThreshold <= 0 {
		c.UnverifiedThreshold = d.UnverifiedThreshold
	}
	if c.SensitiveUnverifiedThreshold <= 0 {
		c.SensitiveUnverifiedThreshold = d.SensitiveUnverifiedThreshold
	}
	return c
}

// Input is the complete response plus what it may be grounded on.
type Input struct {
	Text                 string
	HasReferenceMaterial bool
	// ReferenceTexts are the passage texts numeric claims are checked against.
	ReferenceTexts   []string
	Classification   classify.Classification
	KnownSourceNames []string
}

// Verdict is computed once per response.
type Verdict struct {
	Passed              bool       `json:"passed"`
	FailureReason       string     `json:"failure_reason,omitempty"`
	MatchedRuleIDs      []string   `json:"matched_rule_ids"`
	RequiresHumanReview bool       `json:"requires_human_review"`
	HumanReviewReasons  []string   `json:"human_review_reasons,omitempty"`
	ResponseWasModified bool       `json:"response_was_modified"`
	TruncateAt          int        `json:"truncate_at,omitempty"`
	AppendDisclaimer    bool       `json:"append_disclaimer,omitempty"`
	UnverifiedClaims    []string   `json:"unverified_claims,omitempty"`
	Citations           []Citation `json:"citations,omitempty"`
}

// HasRule reports whether id was matched.
func (v Verdict) HasRule(id string) bool {
	for _, r := range v.MatchedRuleIDs {
		if r == id {
			return true
		}
	}
	return false
}

// AddReviewReason sets RequiresHumanReview and records reason once.
func (v *Verdict) AddReviewReason(reason string) {
	v.RequiresHumanReview = true
	for _, r := range v.HumanReviewReasons {
		if r == reason {
			return
		}
	}
	v.HumanReviewReasons = append(v.HumanReviewReasons, reason)
}

// Validator is safe for concurrent use; it holds only compiled patterns.
type Validator struct {
	cfg         Config
	classifier  *classify.Classifier
	docCitation *regexp.Regexp
	regCitation *regexp.Regexp
	numeric     []patterns.Matcher
	blocked     []patterns.Matcher
	technical   []patterns.Matcher
	warranty    []patterns.Matcher
	humanReview []patterns.Matcher
}

func NewValidator(lib *patterns.Library, cfg Config) *Validator {
	return &Validator{
		cfg:         cfg.withDefaults(),
		classifier:  classify.NewClassifier(lib),
		docCitation: lib.DocumentCitation(),
		regCitation: lib.RegulationCitation(),
		numeric:     lib.NumericClaims(),
		blocked:     lib.BlockedClaims(),
		technical:   lib.Technical(),
		warranty:    lib.Warranty(),
		humanReview: lib.HumanReview(),
	}
}

// Config returns the effective thresholds.
func (v *Validator) Config() Config { return v.cfg }

type evaluation struct {
	verdict Verdict
}

func (e *evaluation) match(rule string) {
	e.verdict.MatchedRuleIDs = append(e.verdict.MatchedRuleIDs, rule)
}

func (e *evaluation) fail(rule, reason string) {
	e.match(rule)
	if e.verdict.Passed {
		e.verdict.Passed = false
		e.verdict.FailureReason = reason
	}
}

// Validate applies every rule in order. The first failing rule sets the
// failure reason; later rules still run so every matched id is recorded.
// Validate has no side effects and is deterministic.
func (v *Validator) Validate(in Input) Verdict {
	e := &evaluation{verdict: Verdict{Passed: true, MatchedRuleIDs: []string{}}}
	// Over the cap only the part that will be delivered is judged, so a
	// claim kept before the cut cannot lean on a citation cut away after it.
	text, truncateAt := in.Text, v.cutPoint(in.Text)
	if truncateAt > 0 {
		text = in.Text[:truncateAt]
	}
	regulated := in.Classification.IsRegulatedQuery

	resolver := citationResolver{known: in.KnownSourceNames, regulated: regulated}
	if regulated {
		resolver.bodies = v.classifier.RegulationBodies(in.Classification.Jurisdiction)
	}
	citations := parseCitations(text, v.docCitation, v.regCitation, resolver)
	e.verdict.Citations = citations

	numeric := numericClaims(text, v.numeric)
	claims := append(append([]Claim(nil), numeric...), blockedClaims(text, v.blocked)...)

	v.checkBlockedClaims(e, in, claims, citations)
	v.checkCitationSources(e, citations)
	v.checkNumericClaims(e, in, numeric, citations)
	v.checkParagraphDensity(e, text, citations)
	v.checkLength(e, truncateAt)

	if e.verdict.Passed && anyMatch(v.warranty, text) {
		e.match(RuleWarrantyDisclaimer)
		e.verdict.AppendDisclaimer = true
		e.verdict.ResponseWasModified = true
	}

	for _, m := range v.humanReview {
		if m.MatchString(text) {
			rule := RuleHumanReviewPrefix + m.Category
			if !e.verdict.HasRule(rule) {
				e.match(rule)
			}
			e.verdict.AddReviewReason(m.Category)
		}
	}

	return e.verdict
}

// Rule 1: claims from blocked families need an adjacent citation, and with no
// reference material at all only a regulation citation can ground them.
func (v *Validator) checkBlockedClaims(e *evaluation, in Input, claims []Claim, citations []Citation) {
	if len(claims) == 0 {
		return
	}
	seen := make(map[string]bool)
	for _, c := range claims {
		if !seen[c.Family] {
			seen[c.Family] = true
			e.match(RuleBlockedPatternPrefix + c.Family)
		}
	}

	for _, c := range claims {
		if !v.hasAdjacentCitation(c, citations, false) {
			e.fail(RuleMissingAdjacentCitation, fmt.Sprintf("%s claim %q has no adjacent citation", c.Family, c.Text))
			break
		}
	}

	if !in.HasReferenceMaterial && !hasRegulationCitation(citations) {
		e.fail(RuleNoReferenceMaterial, "technical claims with no reference material and no regulation citation")
	}
}

// Rule 2: every citation must name a known source or an allowed body.
func (v *Validator) checkCitationSources(e *evaluation, citations []Citation) {
	for _, c := range citations {
		if !c.Valid {
			e.fail(RuleUnknownCitationSource, fmt.Sprintf("citation names unknown source %q", c.Name))
			return
		}
	}
}

// Rule 3: unit-bearing values must appear in the reference text, or be
// attributed to a regulation citation in regulated mode.
func (v *Validator) checkNumericClaims(e *evaluation, in Input, numeric []Claim, citations []Citation) {
	if len(numeric) == 0 {
		return
	}
	reference := referenceClaims(in.ReferenceTexts, v.numeric)

	seen := make(map[string]bool)
	var unverified []string
	for _, c := range numeric {
		norm := normalizeClaim(c.Text)
		if _, ok := reference[norm]; ok {
			continue
		}
		if in.Classification.IsRegulatedQuery && v.hasAdjacentCitation(c, citations, true) {
			continue
		}
		if !seen[norm] {
			seen[norm] = true
			unverified = append(unverified, c.Text)
		}
	}
	e.verdict.UnverifiedClaims = unverified

	threshold := v.cfg.UnverifiedThreshold
	if in.Classification.Sensitive {
		threshold = v.cfg.SensitiveUnverifiedThreshold
	}
	if len(unverified) >= threshold {
		e.fail(RuleUnverifiedNumericClaims, fmt.Sprintf("%d numeric claims not found in reference material", len(unverified)))
	}
}

// Rule 4: a strict majority of qualifying paragraphs without a citation fails.
func (v *Validator) checkParagraphDensity(e *evaluation, text string, citations []Citation) {
	qualifying, uncited := 0, 0
	for _, p := range paragraphs(text) {
		body := strings.TrimSpace(text[p[0]:p[1]])
		if utf8.RuneCountInString(body) <= v.cfg.ParagraphMinChars {
			continue
		}
		if !anyMatch(v.technical, body) && !anyMatch(v.blocked, body) && len(numericClaims(body, v.numeric)) == 0 {
			continue
		}
		qualifying++
		if !citationWithin(citations, p[0], p[1]) {
			uncited++
		}
	}
	if qualifying > 0 && uncited*2 > qualifying {
		e.fail(RuleParagraphCitationDensity, fmt.Sprintf("%d of %d technical paragraphs lack a citation", uncited, qualifying))
	}
}

// cutPoint returns the truncation offset, or 0 when text is within the cap.
func (v *Validator) cutPoint(text string) int {
	if utf8.RuneCountInString(text) <= v.cfg.MaxChars {
		return 0
	}
	return truncationPoint(text, v.cfg.MaxChars)
}

// Rule 5: truncate at the last sentence boundary before the cap.
func (v *Validator) checkLength(e *evaluation, truncateAt int) {
	if truncateAt <= 0 {
		return
	}
	e.match(RuleLengthCapTruncated)
	e.verdict.TruncateAt = truncateAt
	e.verdict.ResponseWasModified = true
}

// hasAdjacentCitation reports whether a grounding citation starts within the
// window after the claim or ends just before it. With regulationOnly set,
// only regulation citations count.
func (v *Validator) hasAdjacentCitation(c Claim, citations []Citation, regulationOnly bool) bool {
	for _, cit := range citations {
		if regulationOnly && !cit.Regulation {
			continue
		}
		if !cit.counts() {
			continue
		}
		if cit.Start >= c.Start && cit.Start-c.End <= v.cfg.CitationWindow {
			return true
		}
		if cit.End <= c.Start && c.Start-cit.End <= citationLookback {
			return true
		}
	}
	return false
}

// RequiresEvidence reports whether a question is technical enough that it
// must not be answered without reference material.
func (v *Validator) RequiresEvidence(query string) bool {
	if anyMatch(v.technical, query) {
		return true
	}
	if len(numericClaims(query, v.numeric)) > 0 {
		return true
	}
	for _, m := range v.blocked {
		if m.Category == "material_identifier" && m.MatchString(query) {
			return true
		}
	}
	return false
}

func hasRegulationCitation(citations []Citation) bool {
	for _, c := range citations {
		if c.Regulation {
			return true
		}
	}
	return false
}

func citationWithin(citations []Citation, start, end int) bool {
	for _, c := range citations {
		if c.counts() && c.Start >= start && c.End <= end {
			return true
		}
	}
	return false
}

var paragraphBreak = regexp.MustCompile(`\n[ \t]*\n`)

// paragraphs returns byte ranges of blank-line separated paragraphs.
func paragraphs(text string) [][2]int {
	var out [][2]int
	start := 0
	for _, loc := range paragraphBreak.FindAllStringIndex(text, -1) {
		if loc[0] > start {
			out = append(out, [2]int{start, loc[0]})
		}
		start = loc[1]
	}
	if start < len(text) {
		out = append(out, [2]int{start, len(text)})
	}
	return out
}

// truncationPoint returns the byte offset to cut text at so that at most
// maxChars characters remain, preferring the end of the last whole sentence.
func truncationPoint(text string, maxChars int) int {
	limit := len(text)
	n := 0
	for i := range text {
		if n == maxChars {
			limit = i
			break
		}
		n++
	}
	head := text[:limit]

	for i := len(head) - 1; i > 0; i-- {
		switch head[i] {
		case '.', '!', '?':
			if i+1 == len(text) || isSpace(text[i+1]) {
				return i + 1
			}
		}
	}
	if i := strings.LastIndexAny(head, " \n\t"); i > 0 {
		return i
	}
	return limit
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}

func anyMatch(ms []patterns.Matcher, text string) bool {
	for _, m := range ms {
		if m.MatchString(text) {
			return true
		}
	}
	return false
}
