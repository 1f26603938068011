// Package retrieval turns a conversation into a ranked, deduplicated and
// sanitised set of reference passages and judges whether they are enough
// evidence to answer from.
package retrieval

import (
	"context"
	"errors"
)

var (
	// ErrEmbedding wraps any failure of the embedding collaborator.
	ErrEmbedding = errors.New("retrieval: embedding failed")
	// ErrSearch wraps any failure of the similarity search collaborator.
	ErrSearch = errors.New("retrieval: search failed")
)

// Passage is a retrieved excerpt of tenant reference material.
type Passage struct {
	ID             string  `json:"id"`
	SourceName     string  `json:"source_name"`
	SourceCategory string  `json:"source_category"`
	Text           string  `json:"text"`
	Score          float64 `json:"score"`
}

// Embedder produces a vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher runs a similarity search scoped to one tenant. Results need not be
// sorted; the gateway orders them.
type Searcher interface {
	Search(ctx context.Context, tenantID string, vector []float32, topK int, minScore float64) ([]Passage, error)
}

// Dropped records a passage removed by the sanitizer or the deduplicator.
type Dropped struct {
	PassageID string `json:"passage_id"`
	Reason    string `json:"reason"`
}

// Evidence summarises whether the kept passages can ground an answer.
type Evidence struct {
	// Escalate means generation must be skipped and the request routed to a
	// human: a sensitive topic without two corroborating passages.
	Escalate bool
	// ReviewReasons are human-review triggers raised by weak evidence.
	ReviewReasons []string
}

const (
	ReasonInsufficientCorroboration = "insufficient_corroboration_sensitive_topic"
	ReasonWeakSinglePassage         = "weak_single_passage"
)

// Result is the outcome of one retrieval.
type Result struct {
	Passages []Passage
	Dropped  []Dropped
	// Candidates is the number of passages returned by search before
	// sanitising and deduplication.
	Candidates int
	Evidence   Evidence
}

// PassageIDs returns the kept passage ids in rank order.
func (r Result) PassageIDs() []string {
	out := make([]string, len(r.Passages))
	for i, p := range r.Passages {
		out[i] = p.ID
	}
	return out
}

// PassageScores returns the kept passage scores in rank order.
func (r Result) PassageScores() []float64 {
	out := make([]float64, len(r.Passages))
	for i, p := range r.Passages {
		out[i] = p.Score
	}
	return out
}

// Texts returns the kept passage texts in rank order.
func (r Result) Texts() []string {
	out := make([]string, len(r.Passages))
	for i, p := range r.Passages {
		out[i] = p.Text
	}
	return out
}
