package retrieval

import "github.com/wolfman30/groundguard/internal/injection"

// Sanitizer drops passages that carry injection patterns. Uploaded manuals
// are tenant content and may have been tampered with.
type Sanitizer struct {
	detector *injection.Detector
}

func NewSanitizer(detector *injection.Detector) *Sanitizer {
	return &Sanitizer{detector: detector}
}

// Filter returns the clean passages in input order plus the dropped ones.
func (s *Sanitizer) Filter(passages []Passage) ([]Passage, []Dropped) {
	kept := make([]Passage, 0, len(passages))
	var dropped []Dropped
	for _, p := range passages {
		if res := s.detector.Detect(p.Text); res.IsInjection {
			dropped = append(dropped, Dropped{PassageID: p.ID, Reason: "injection:" + res.MatchedPattern})
			continue
		}
		kept = append(kept, p)
	}
	return kept, dropped
}
