package validation

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/groundguard/internal/classify"
	"github.com/wolfman30/groundguard/internal/patterns"
)

var (
	knownSources = []string{"Carrier 58STA Install Guide", "Service Bulletin 17-4"}
	referenceTxt = []string{
		"Set manifold pressure to 3.5 in. w.c. on natural gas. Temperature rise 35-65 °F.",
		"Replace the flame sensor if the signal is below 1 microamp.",
	}
	general = classify.Classification{Jurisdiction: classify.JurisdictionNone, Domains: []string{classify.DomainGeneral}}
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	return NewValidator(patterns.MustDefault(), Config{})
}

func grounded(text string) Input {
	return Input{
		Text:                 text,
		HasReferenceMaterial: true,
		ReferenceTexts:       referenceTxt,
		Classification:       general,
		KnownSourceNames:     knownSources,
	}
}

func TestValidate(t *testing.T) {
	usRegulated := classify.Classification{IsRegulatedQuery: true, Jurisdiction: classify.JurisdictionUS, Domains: []string{"electrical"}}
	sensitive := general
	sensitive.Sensitive = true
	sensitive.SensitiveTopics = []string{"safety"}

	tests := []struct {
		name       string
		in         Input
		wantPassed bool
		wantReason string
		wantRules  []string
		wantUnver  []string
	}{
		{
			name:       "grounded numeric claim",
			in:         grounded("Set the manifold pressure to 3.5 inches w.c. [Source: Carrier 58STA Install Guide]."),
			wantPassed: true,
			wantRules:  []string{"blocked_pattern:numeric_with_unit"},
		},
		{
			name:       "citation with page suffix resolves",
			in:         grounded("Set the manifold pressure to 3.5 in. w.c. [Source: Carrier 58STA Install Guide, p. 12]."),
			wantPassed: true,
			wantRules:  []string{"blocked_pattern:numeric_with_unit"},
		},
		{
			name:       "one unverified claim tolerated",
			in:         grounded("Set the manifold pressure to 3.5 in. w.c. and the inlet gas pressure to 7 in. w.c. [Source: Carrier 58STA Install Guide]."),
			wantPassed: true,
			wantRules:  []string{"blocked_pattern:numeric_with_unit"},
			wantUnver:  []string{"7 in. w.c."},
		},
		{
			name: "one unverified claim fails a sensitive query",
			in: func() Input {
				in := grounded("Set the manifold pressure to 3.5 in. w.c. and the inlet gas pressure to 7 in. w.c. [Source: Carrier 58STA Install Guide].")
				in.Classification = sensitive
				return in
			}(),
			wantReason: RuleUnverifiedNumericClaims,
			wantRules:  []string{"blocked_pattern:numeric_with_unit", RuleUnverifiedNumericClaims},
			wantUnver:  []string{"7 in. w.c."},
		},
		{
			name:       "two unverified claims fail",
			in:         grounded("Set the manifold pressure to 3.5 in. w.c., the inlet gas pressure to 7 in. w.c. and check for 24 V at the board [Source: Carrier 58STA Install Guide]."),
			wantReason: RuleUnverifiedNumericClaims,
			wantRules:  []string{"blocked_pattern:numeric_with_unit", RuleUnverifiedNumericClaims},
			wantUnver:  []string{"7 in. w.c.", "24 V"},
		},
		{
			name:       "refrigerant without citation",
			in:         grounded("Charge with R-410A only."),
			wantReason: RuleMissingAdjacentCitation,
			wantRules:  []string{"blocked_pattern:material_identifier", RuleMissingAdjacentCitation},
		},
		{
			name:       "refrigerant is not a numeric claim",
			in:         grounded("Charge with R-410A only [Source: Carrier 58STA Install Guide]."),
			wantPassed: true,
			wantRules:  []string{"blocked_pattern:material_identifier"},
		},
		{
			name: "citation too far from the claim",
			in: grounded("Set the manifold pressure to 3.5 in. w.c. on the unit." +
				strings.Repeat(" This is a long filler sentence about the blower door and the cabinet.", 5) +
				" [Source: Carrier 58STA Install Guide]"),
			wantReason: RuleMissingAdjacentCitation,
			wantRules:  []string{"blocked_pattern:numeric_with_unit", RuleMissingAdjacentCitation},
		},
		{
			name: "technical claims with no reference material",
			in: func() Input {
				in := grounded("Set the manifold pressure to 3.5 in. w.c. [Source: Carrier 58STA Install Guide].")
				in.HasReferenceMaterial = false
				in.ReferenceTexts = nil
				return in
			}(),
			wantReason: RuleNoReferenceMaterial,
			wantRules:  []string{"blocked_pattern:numeric_with_unit", RuleNoReferenceMaterial},
			wantUnver:  []string{"3.5 in. w.c."},
		},
		{
			name: "regulation citations outside regulated mode",
			in: Input{
				Text:           "Bathroom receptacles need GFCI protection [Code: NEC 210.8(A)(1)]. Use 12 AWG copper on a 20 A circuit [Code: NEC 210.19].",
				Classification: general,
			},
			wantReason: RuleMissingAdjacentCitation,
			wantRules: []string{
				"blocked_pattern:numeric_with_unit", RuleMissingAdjacentCitation, RuleNoReferenceMaterial,
				RuleUnknownCitationSource, RuleUnverifiedNumericClaims, RuleParagraphCitationDensity,
			},
			wantUnver: []string{"20 A", "12 AWG"},
		},
		{
			name: "refusal sentence passes",
			in: Input{
				Text:           "I can't answer that from the reference material available to me. Please consult the equipment manufacturer's documentation or a licensed professional.",
				Classification: general,
			},
			wantPassed: true,
			wantRules:  []string{},
		},
		{
			name: "body prefix must end at a non-letter",
			in: Input{
				Text:             "Use 12 AWG copper [Code: NECESSARY 1].",
				Classification:   usRegulated,
				KnownSourceNames: knownSources,
			},
			wantReason: RuleMissingAdjacentCitation,
			wantRules: []string{
				"blocked_pattern:numeric_with_unit", RuleMissingAdjacentCitation, RuleNoReferenceMaterial, RuleUnknownCitationSource,
			},
			wantUnver: []string{"12 AWG"},
		},
	}

	v := newValidator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.Validate(tt.in)
			assert.Equal(t, tt.wantPassed, got.Passed)
			assert.Equal(t, tt.wantRules, got.MatchedRuleIDs)
			assert.Equal(t, tt.wantUnver, got.UnverifiedClaims)
			if tt.wantReason != "" {
				assert.NotEmpty(t, got.FailureReason)
				assert.Equal(t, tt.wantReason, firstFailingRule(got))
			} else {
				assert.Empty(t, got.FailureReason)
			}
		})
	}
}

// firstFailingRule returns the first matched rule that disqualifies.
func firstFailingRule(v Verdict) string {
	for _, r := range v.MatchedRuleIDs {
		switch r {
		case RuleMissingAdjacentCitation, RuleNoReferenceMaterial, RuleUnknownCitationSource,
			RuleUnverifiedNumericClaims, RuleParagraphCitationDensity:
			return r
		}
	}
	return ""
}

func TestValidateScenarioCUnknownSource(t *testing.T) {
	got := newValidator(t).Validate(grounded("Set the manifold pressure to 3.5 in. w.c. [Source: Install Manual v2]."))

	assert.False(t, got.Passed)
	assert.True(t, got.HasRule(RuleUnknownCitationSource))
	assert.Contains(t, got.FailureReason, "Install Manual v2")
	assert.Empty(t, got.UnverifiedClaims, "numeric claim itself is correct")
	require.Len(t, got.Citations, 1)
	assert.False(t, got.Citations[0].Valid)
}

func TestValidateScenarioDRegulationCitationWithoutPassages(t *testing.T) {
	got := newValidator(t).Validate(Input{
		Text:                 "Bathroom receptacles need GFCI protection [Code: NEC 210.8(A)(1)]. Use 12 AWG copper on a 20 A circuit [Code: NEC 210.19].",
		HasReferenceMaterial: false,
		Classification:       classify.Classification{IsRegulatedQuery: true, Jurisdiction: classify.JurisdictionUS, Domains: []string{"electrical"}},
	})

	assert.True(t, got.Passed, got.FailureReason)
	assert.Equal(t, []string{"blocked_pattern:numeric_with_unit"}, got.MatchedRuleIDs)
	assert.Empty(t, got.UnverifiedClaims)
	require.Len(t, got.Citations, 2)
	for _, c := range got.Citations {
		assert.Equal(t, KindCode, c.Kind)
		assert.True(t, c.Regulation)
		assert.True(t, c.Valid)
	}
}

func TestValidateCanadianBodiesRejectedForUSJurisdiction(t *testing.T) {
	got := newValidator(t).Validate(Input{
		Text:           "Use 12 AWG copper on a 20 A circuit [Code: CEC 14-104].",
		Classification: classify.Classification{IsRegulatedQuery: true, Jurisdiction: classify.JurisdictionUS},
	})
	assert.False(t, got.Passed)
	assert.True(t, got.HasRule(RuleUnknownCitationSource))

	got = newValidator(t).Validate(Input{
		Text:           "Use 12 AWG copper on a 20 A circuit [Code: CEC 14-104].",
		Classification: classify.Classification{IsRegulatedQuery: true, Jurisdiction: classify.JurisdictionBoth},
	})
	assert.True(t, got.Passed, got.FailureReason)
}

func TestValidateScenarioEWarrantyDisclaimer(t *testing.T) {
	got := newValidator(t).Validate(grounded("The inducer motor is covered under the 10-year parts warranty [Source: Carrier 58STA Install Guide]."))

	assert.True(t, got.Passed)
	assert.True(t, got.AppendDisclaimer)
	assert.True(t, got.ResponseWasModified)
	assert.Equal(t, []string{RuleWarrantyDisclaimer, "human_review:warranty_decision"}, got.MatchedRuleIDs)
	assert.True(t, got.RequiresHumanReview)
	assert.Equal(t, []string{"warranty_decision"}, got.HumanReviewReasons)
}

func TestValidateWarrantyOnFailedResponseAddsNoDisclaimer(t *testing.T) {
	got := newValidator(t).Validate(grounded("Warranty covers 24 V boards at 7 in. w.c. and 120 V inputs [Source: Install Manual v2]."))
	assert.False(t, got.Passed)
	assert.False(t, got.AppendDisclaimer)
	assert.False(t, got.HasRule(RuleWarrantyDisclaimer))
}

func TestValidateParagraphDensity(t *testing.T) {
	p1 := "Check the condensate trap for debris and make sure the drain line slopes away from the unit [Source: Carrier 58STA Install Guide]."
	p2 := "Inspect the flue connection and the venting for any separation or corrosion at the joints."
	p2cited := "Inspect the flue connection and the venting for any separation or corrosion at the joints [Source: Service Bulletin 17-4]."
	p3 := "Verify the capacitor reading against the rating printed on the component label."

	v := newValidator(t)

	failed := v.Validate(grounded(strings.Join([]string{p1, p2, p3}, "\n\n")))
	assert.False(t, failed.Passed)
	assert.Equal(t, []string{RuleParagraphCitationDensity}, failed.MatchedRuleIDs)
	assert.Contains(t, failed.FailureReason, "2 of 3")

	passed := v.Validate(grounded(strings.Join([]string{p1, p2cited, p3}, "\n\n")))
	assert.True(t, passed.Passed, passed.FailureReason)
	assert.Empty(t, passed.MatchedRuleIDs)

	// The same text without blank lines is one cited paragraph.
	single := v.Validate(grounded(strings.Join([]string{p1, p2, p3}, " ")))
	assert.True(t, single.Passed, single.FailureReason)
}

func TestValidateLengthCap(t *testing.T) {
	sentence := "The blower door must stay closed. "
	text := strings.Repeat(sentence, 130)

	got := newValidator(t).Validate(grounded(text))

	assert.True(t, got.Passed)
	assert.True(t, got.ResponseWasModified)
	assert.Equal(t, []string{RuleLengthCapTruncated}, got.MatchedRuleIDs)
	assert.Equal(t, 117*len(sentence)-1, got.TruncateAt)
	assert.True(t, strings.HasSuffix(text[:got.TruncateAt], "closed."))
	assert.LessOrEqual(t, got.TruncateAt, 4000)
}

func TestValidateLengthCapJudgesDeliveredText(t *testing.T) {
	filler := strings.Repeat("The crew arrived on time. ", 150)
	claim := "Set the supply to 3.5 psi."
	text := filler + claim + " Keep the regulator vent clear and read it with a manometer at the inlet port before you leave [Source: Carrier 58STA Install Guide]."
	in := grounded(text)
	in.ReferenceTexts = []string{"Supply pressure 3.5 psi at the inlet."}

	uncapped := NewValidator(patterns.MustDefault(), Config{MaxChars: 10000}).Validate(in)
	require.True(t, uncapped.Passed, uncapped.FailureReason)

	got := newValidator(t).Validate(in)

	require.Equal(t, len(filler)+len(claim), got.TruncateAt)
	assert.False(t, got.Passed, "the only citation for the kept claim is cut away")
	assert.True(t, got.HasRule(RuleMissingAdjacentCitation))
	assert.True(t, got.HasRule(RuleLengthCapTruncated))
	assert.Empty(t, got.Citations)
	assert.NotContains(t, text[:got.TruncateAt], "[Source:")
}

func TestValidateLengthCapWithoutSentenceBoundary(t *testing.T) {
	v := NewValidator(patterns.MustDefault(), Config{MaxChars: 20})
	got := v.Validate(grounded("alpha beta gamma delta epsilon zeta"))
	assert.Equal(t, len("alpha beta gamma"), got.TruncateAt)

	got = v.Validate(grounded(strings.Repeat("x", 30)))
	assert.Equal(t, 20, got.TruncateAt)
}

func TestValidateHumanReviewTriggers(t *testing.T) {
	got := newValidator(t).Validate(grounded("Apply lockout/tagout before opening the panel [Source: Carrier 58STA Install Guide]. A replacement board costs about $450."))

	assert.True(t, got.Passed, "review triggers do not change the outcome")
	assert.True(t, got.RequiresHumanReview)
	assert.Equal(t, []string{"safety_procedure", "cost_estimate"}, got.HumanReviewReasons)
	assert.Equal(t, []string{"human_review:safety_procedure", "human_review:cost_estimate"}, got.MatchedRuleIDs)
}

func TestValidateIsIdempotent(t *testing.T) {
	v := newValidator(t)
	inputs := []Input{
		grounded("Set the manifold pressure to 3.5 in. w.c. and the inlet gas pressure to 7 in. w.c. [Source: Carrier 58STA Install Guide]."),
		grounded("Set the manifold pressure to 3.5 in. w.c. [Source: Install Manual v2]."),
		grounded("The inducer motor is covered under the 10-year parts warranty [Source: Carrier 58STA Install Guide]."),
		grounded(strings.Repeat("The blower door must stay closed. ", 130)),
	}
	for _, in := range inputs {
		assert.Equal(t, v.Validate(in), v.Validate(in))
	}
}

// Responses are assembled from a pool of fragments; whatever passes must be
// grounded the way the policy promises.
func TestValidatePassedResponsesAreGrounded(t *testing.T) {
	pool := []string{
		"Set the manifold pressure to 3.5 in. w.c.",
		"Check for 24 V at the board.",
		"Temperature rise should read 65 °F.",
		"Charge with R-410A only.",
		"Open the blower door.",
		"[Source: Carrier 58STA Install Guide]",
		"[Source: Service Bulletin 17-4]",
		"[Source: Install Manual v2]",
		"[Source: Trane XR Manual]",
		"[Code: NEC 210.8]",
		"\n\n",
	}
	v := newValidator(t)
	rng := rand.New(rand.NewSource(42))
	classes := []classify.Classification{
		general,
		{IsRegulatedQuery: true, Jurisdiction: classify.JurisdictionUS, Domains: []string{"electrical"}},
	}

	for trial := 0; trial < 500; trial++ {
		parts := make([]string, 1+rng.Intn(6))
		for i := range parts {
			parts[i] = pool[rng.Intn(len(pool))]
		}
		in := grounded(strings.Join(parts, " "))
		in.Classification = classes[rng.Intn(len(classes))]
		in.HasReferenceMaterial = rng.Intn(2) == 0

		got := v.Validate(in)
		if !got.Passed {
			continue
		}
		if len(numericClaims(in.Text, v.numeric)) > 0 {
			assert.NotEmpty(t, got.Citations, "trial %d: %q", trial, in.Text)
		}
		for _, c := range got.Citations {
			assert.True(t, c.Valid, "trial %d: %q passed with citation %q", trial, in.Text, c.Name)
		}
	}
}

func TestRequiresEvidence(t *testing.T) {
	v := newValidator(t)
	tests := []struct {
		query string
		want  bool
	}{
		{"What manifold pressure should I set?", true},
		{"Is 40 psi too high on the inlet?", true},
		{"Can I use PEX for the return?", true},
		{"Hi there, thanks for the help!", false},
		{"What time does the supply house open?", false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, v.RequiresEvidence(tt.query))
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := NewValidator(patterns.MustDefault(), Config{CitationWindow: 80}).Config()
	assert.Equal(t, 4000, cfg.MaxChars)
	assert.Equal(t, 50, cfg.ParagraphMinChars)
	assert.Equal(t, 80, cfg.CitationWindow)
	assert.Equal(t, 2, cfg.UnverifiedThreshold)
	assert.Equal(t, 1, cfg.SensitiveUnverifiedThreshold)
}
