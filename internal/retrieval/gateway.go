package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/groundguard/internal/llm"
	"github.com/wolfman30/groundguard/pkg/logging"
)

// Options are the retrieval policy numbers.
type Options struct {
	TopK     int
	MinScore float64
	// StrictMinScore replaces MinScore, when higher, for warranty, safety
	// and liability questions.
	StrictMinScore float64
	// HighConfidence is the score a lone passage needs to count as solid evidence.
	HighConfidence float64
	// WeakPassageChars is the length below which a lone passage is weak.
	WeakPassageChars int
	// DedupOverlap is the token overlap ratio at which passages are duplicates.
	DedupOverlap float64
}

// DefaultOptions returns the production retrieval policy.
func DefaultOptions() Options {
	return Options{
		TopK:             6,
		MinScore:         0.35,
		StrictMinScore:   0.55,
		HighConfidence:   0.75,
		WeakPassageChars: 200,
		DedupOverlap:     0.7,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.TopK <= 0 {
		o.TopK = d.TopK
	}
	if o.MinScore <= 0 {
		o.MinScore = d.MinScore
	}
	if o.StrictMinScore <= 0 {
		o.StrictMinScore = d.StrictMinScore
	}
	if o.HighConfidence <= 0 {
		o.HighConfidence = d.HighConfidence
	}
	if o.WeakPassageChars <= 0 {
		o.WeakPassageChars = d.WeakPassageChars
	}
	if o.DedupOverlap <= 0 || o.DedupOverlap > 1 {
		o.DedupOverlap = d.DedupOverlap
	}
	return o
}

// Query is one retrieval request.
type Query struct {
	Text     string
	TenantID string
	// TopK and MinScore override the gateway options when set.
	TopK     int
	MinScore float64
	// Sensitive marks warranty, safety or liability questions.
	Sensitive bool
}

// Gateway runs embed, search, sanitise, dedupe and evidence assessment.
type Gateway struct {
	embedder  Embedder
	searcher  Searcher
	sanitizer *Sanitizer
	opts      Options
	logger    *logging.Logger
	tracer    trace.Tracer
}

func NewGateway(embedder Embedder, searcher Searcher, sanitizer *Sanitizer, opts Options, logger *logging.Logger) *Gateway {
	if embedder == nil || searcher == nil || sanitizer == nil {
		panic("retrieval: embedder, searcher and sanitizer are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Gateway{
		embedder:  embedder,
		searcher:  searcher,
		sanitizer: sanitizer,
		opts:      opts.withDefaults(),
		logger:    logger,
		tracer:    otel.Tracer("groundguard.internal.retrieval"),
	}
}

// Options returns the effective policy.
func (g *Gateway) Options() Options { return g.opts }

// Retrieve fetches passages for q. Embedding or search failures are
// returned wrapped in ErrEmbedding or ErrSearch; callers must not fall back
// to ungrounded generation.
func (g *Gateway) Retrieve(ctx context.Context, q Query) (Result, error) {
	if strings.TrimSpace(q.TenantID) == "" {
		return Result{}, errors.New("retrieval: tenant id is required")
	}
	topK := q.TopK
	if topK <= 0 {
		topK = g.opts.TopK
	}
	minScore := q.MinScore
	if minScore <= 0 {
		minScore = g.opts.MinScore
	}
	if q.Sensitive && g.opts.StrictMinScore > minScore {
		minScore = g.opts.StrictMinScore
	}

	ctx, span := g.tracer.Start(ctx, "retrieval.retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", q.TenantID),
		attribute.Int("retrieval.top_k", topK),
		attribute.Float64("retrieval.min_score", minScore),
		attribute.Bool("retrieval.sensitive", q.Sensitive),
	)

	var result Result
	if strings.TrimSpace(q.Text) == "" {
		result.Evidence = g.assess(nil, q.Sensitive)
		return result, nil
	}

	vector, err := g.embedder.Embed(ctx, q.Text)
	if err == nil && len(vector) == 0 {
		err = errors.New("empty vector")
	}
	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}

	found, err := g.searcher.Search(ctx, q.TenantID, vector, topK, minScore)
	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("%w: %w", ErrSearch, err)
	}
	result.Candidates = len(found)

	ranked := make([]Passage, 0, len(found))
	for _, p := range found {
		if p.Score >= minScore {
			ranked = append(ranked, p)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].ID < ranked[j].ID
	})
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	clean, dropped := g.sanitizer.Filter(ranked)
	result.Dropped = append(result.Dropped, dropped...)
	for _, d := range dropped {
		g.logger.Warn("retrieved passage dropped", "tenant_id", q.TenantID, "passage_id", d.PassageID, "reason", d.Reason)
	}

	kept, dupes := Deduplicate(clean, g.opts.DedupOverlap)
	result.Dropped = append(result.Dropped, dupes...)
	result.Passages = kept
	result.Evidence = g.assess(kept, q.Sensitive)

	span.SetAttributes(
		attribute.Int("retrieval.candidates", result.Candidates),
		attribute.Int("retrieval.kept", len(kept)),
		attribute.Int("retrieval.dropped", len(result.Dropped)),
	)
	return result, nil
}

func (g *Gateway) assess(kept []Passage, sensitive bool) Evidence {
	var ev Evidence
	if sensitive && len(kept) < 2 {
		ev.Escalate = true
		ev.ReviewReasons = append(ev.ReviewReasons, ReasonInsufficientCorroboration)
		return ev
	}
	if len(kept) == 1 {
		p := kept[0]
		if p.Score < g.opts.HighConfidence || len([]rune(strings.TrimSpace(p.Text))) < g.opts.WeakPassageChars {
			ev.ReviewReasons = append(ev.ReviewReasons, ReasonWeakSinglePassage)
		}
	}
	return ev
}

// minFollowUpChars is the length under which the last user turn is treated
// as a follow-up and joined with the previous user turn.
const minFollowUpChars = 40

// QueryFromConversation builds the retrieval query text from the latest
// user turn, joining the previous user turn for short follow-ups.
func QueryFromConversation(turns []llm.ChatMessage) string {
	var users []string
	for _, t := range turns {
		if t.Role == llm.RoleUser && strings.TrimSpace(t.Content) != "" {
			users = append(users, strings.TrimSpace(t.Content))
		}
	}
	switch len(users) {
	case 0:
		return ""
	case 1:
		return users[0]
	}
	last := users[len(users)-1]
	if len(last) < minFollowUpChars {
		return users[len(users)-2] + "\n" + last
	}
	return last
}
