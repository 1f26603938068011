package release

import (
	"strings"

	"github.com/wolfman30/groundguard/internal/validation"
)

// Fragment is one piece of text bound for the caller. Synthetic fragments
// were produced by the guard, not the generative backend.
type Fragment struct {
	Text      string
	Synthetic bool
}

// Outcome is the terminal result for a buffer.
type Outcome struct {
	State         State
	Fragments     []Fragment
	DeliveredText string
}

// Controller turns a verdict into the fragments the caller receives.
type Controller struct {
	refusal    string
	disclaimer string
}

func NewController(refusal, disclaimer string) *Controller {
	return &Controller{refusal: refusal, disclaimer: disclaimer}
}

// HasDisclaimer reports whether a disclaimer fragment is configured.
func (c *Controller) HasDisclaimer() bool { return c.disclaimer != "" }

// Resolve releases or refuses an accumulated buffer. A passing verdict
// replays the retained fragments in order, cut at TruncateAt when set, then
// adds the disclaimer if the verdict asks for it. A failing verdict yields
// only the refusal sentence.
func (c *Controller) Resolve(buf *Buffer, v validation.Verdict) (Outcome, error) {
	if buf.State() != StateAccumulated {
		return Outcome{}, ErrInvalidTransition
	}
	if !v.Passed {
		return c.Refuse(buf, c.refusal)
	}
	if err := buf.transition(StateReleased); err != nil {
		return Outcome{}, err
	}

	fragments := replay(buf.fragments, v.TruncateAt)
	if v.AppendDisclaimer && c.disclaimer != "" {
		fragments = append(fragments, Fragment{Text: c.disclaimer, Synthetic: true})
	}
	return Outcome{State: StateReleased, Fragments: fragments, DeliveredText: join(fragments)}, nil
}

// Refuse discards whatever the buffer holds and yields message alone. It is
// used for validation failures and for generation failures mid-stream.
func (c *Controller) Refuse(buf *Buffer, message string) (Outcome, error) {
	if err := buf.transition(StateRefused); err != nil {
		return Outcome{}, err
	}
	fragments := []Fragment{{Text: message, Synthetic: true}}
	return Outcome{State: StateRefused, Fragments: fragments, DeliveredText: message}, nil
}

// replay copies fragments up to limit bytes of text. limit <= 0 means no cut.
func replay(fragments []string, limit int) []Fragment {
	out := make([]Fragment, 0, len(fragments))
	used := 0
	for _, f := range fragments {
		if limit > 0 && used+len(f) > limit {
			if rest := limit - used; rest > 0 {
				out = append(out, Fragment{Text: f[:rest]})
			}
			break
		}
		out = append(out, Fragment{Text: f})
		used += len(f)
	}
	return out
}

func join(fragments []Fragment) string {
	var b strings.Builder
	for _, f := range fragments {
		b.WriteString(f.Text)
	}
	return b.String()
}
