package compliance

import (
	"strings"
)

// DisclaimerConfig configures the warranty disclaimer.
type DisclaimerConfig struct {
	// Enabled controls whether the disclaimer is appended at all.
	Enabled bool
	// CustomText overrides the pattern library's text.
	CustomText string
}

// DefaultDisclaimerConfig returns sensible defaults.
func DefaultDisclaimerConfig() DisclaimerConfig {
	return DisclaimerConfig{Enabled: true}
}

// Disclaimer is the text appended to released answers that touch warranty
// or coverage.
type Disclaimer struct {
	text string
}

// NewDisclaimer picks the configured text, falling back to libraryText.
// A disabled config yields an empty disclaimer.
func NewDisclaimer(cfg DisclaimerConfig, libraryText string) Disclaimer {
	if !cfg.Enabled {
		return Disclaimer{}
	}
	text := libraryText
	if strings.TrimSpace(cfg.CustomText) != "" {
		text = cfg.CustomText
	}
	if strings.TrimSpace(text) == "" {
		return Disclaimer{}
	}
	return Disclaimer{text: "\n\n" + strings.TrimSpace(text)}
}

// Fragment is the synthetic fragment to stream after a released answer,
// including its leading blank line. Empty when disabled.
func (d Disclaimer) Fragment() string { return d.text }
