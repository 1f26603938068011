// Package injection flags text that tries to manipulate the assistant:
// role overrides, instruction extraction, jailbreak markers and authority
// claims. It is used on user turns and on retrieved passages.
package injection

import (
	"strings"
	"unicode"

	"github.com/wolfman30/groundguard/internal/llm"
	"github.com/wolfman30/groundguard/internal/patterns"
)

// Result is the outcome of a scan. MatchedPattern is "<category>:<id>".
type Result struct {
	IsInjection    bool
	MatchedPattern string
}

// TurnResult locates the offending turn in a conversation.
type TurnResult struct {
	Result
	TurnIndex int
}

// Detector applies the library's injection patterns in order.
type Detector struct {
	matchers []patterns.Matcher
}

func NewDetector(lib *patterns.Library) *Detector {
	return &Detector{matchers: lib.Injection()}
}

// Detect scans text. The first matching pattern wins.
func (d *Detector) Detect(text string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{}
	}
	candidates := []string{text}
	if normalized := normalize(text); normalized != text {
		candidates = append(candidates, normalized)
	}
	if joined := joinSpacedLetters(text); joined != text {
		candidates = append(candidates, joined)
	}
	for _, m := range d.matchers {
		for _, c := range candidates {
			if m.MatchString(c) {
				return Result{IsInjection: true, MatchedPattern: m.Category + ":" + m.ID}
			}
		}
	}
	return Result{}
}

// ScanTurns checks every user turn in order and reports the first hit.
func (d *Detector) ScanTurns(turns []llm.ChatMessage) TurnResult {
	for i, turn := range turns {
		if turn.Role != llm.RoleUser {
			continue
		}
		if res := d.Detect(turn.Content); res.IsInjection {
			return TurnResult{Result: res, TurnIndex: i}
		}
	}
	return TurnResult{TurnIndex: -1}
}

// normalize strips invisible format characters and collapses whitespace
// so patterns cannot be dodged with zero-width joiners or padded spacing.
func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Cf, r):
			continue
		case unicode.IsSpace(r):
			if !space {
				b.WriteByte(' ')
			}
			space = true
		default:
			b.WriteRune(r)
			space = false
		}
	}
	return b.String()
}

// joinSpacedLetters undoes letter spacing: "i g n o r e   a l l" becomes
// "ignore all". A single space between two lone letters is dropped; a wider
// gap, or any gap next to a longer token, stays as one space.
func joinSpacedLetters(text string) string {
	var rs []rune
	for _, r := range text {
		if !unicode.Is(unicode.Cf, r) {
			rs = append(rs, r)
		}
	}
	lone := func(i int) bool {
		if i < 0 || i >= len(rs) || !unicode.IsLetter(rs[i]) {
			return false
		}
		return (i == 0 || unicode.IsSpace(rs[i-1])) && (i == len(rs)-1 || unicode.IsSpace(rs[i+1]))
	}

	var b strings.Builder
	b.Grow(len(text))
	space := false
	for i, r := range rs {
		if !unicode.IsSpace(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if lone(i-1) && lone(i+1) {
			continue
		}
		if !space {
			b.WriteByte(' ')
		}
		space = true
	}
	return b.String()
}
