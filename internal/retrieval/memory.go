package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// MemorySearcher keeps passage embeddings in process. It backs local
// development and tests; production uses PGVectorSearcher.
type MemorySearcher struct {
	embedder Embedder

	mu       sync.RWMutex
	passages map[string][]memoryPassage // keyed by tenant
}

type memoryPassage struct {
	passage   Passage
	embedding []float32
}

func NewMemorySearcher(embedder Embedder) *MemorySearcher {
	if embedder == nil {
		panic("retrieval: embedder cannot be nil")
	}
	return &MemorySearcher{embedder: embedder, passages: make(map[string][]memoryPassage)}
}

// Add embeds and stores passages for a tenant. Scores on the input are ignored.
func (s *MemorySearcher) Add(ctx context.Context, tenantID string, passages ...Passage) error {
	entries := make([]memoryPassage, 0, len(passages))
	for _, p := range passages {
		vec, err := s.embedder.Embed(ctx, p.Text)
		if err != nil {
			return fmt.Errorf("retrieval: embed passage %s: %w", p.ID, err)
		}
		p.Score = 0
		entries = append(entries, memoryPassage{passage: p, embedding: vec})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passages[tenantID] = append(s.passages[tenantID], entries...)
	return nil
}

// Search scores the tenant's passages by cosine similarity.
func (s *MemorySearcher) Search(_ context.Context, tenantID string, vector []float32, topK int, minScore float64) ([]Passage, error) {
	s.mu.RLock()
	candidates := s.passages[tenantID]
	s.mu.RUnlock()

	out := make([]Passage, 0, len(candidates))
	for _, c := range candidates {
		score := cosineSimilarity(vector, c.embedding)
		if score < minScore {
			continue
		}
		p := c.passage
		p.Score = score
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot float64
	var normA float64
	var normB float64
	for i := range a {
		dot += float64(a[i] * b[i])
		normA += float64(a[i] * a[i])
		normB += float64(b[i] * b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
