package retrieval

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type pgxQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGVectorSearcher searches reference_chunks with the pgvector cosine
// distance operator. Score is 1 - distance.
type PGVectorSearcher struct {
	db     pgxQuerier
	tracer trace.Tracer
}

func NewPGVectorSearcher(db pgxQuerier) *PGVectorSearcher {
	if db == nil {
		panic("retrieval: pgx pool cannot be nil")
	}
	return &PGVectorSearcher{db: db, tracer: otel.Tracer("groundguard.internal.retrieval.pgvector")}
}

const searchChunksSQL = `
SELECT c.id, d.source_name, d.source_category, c.content, 1 - (c.embedding <=> $2::vector) AS score
FROM reference_chunks c
JOIN reference_documents d ON d.id = c.document_id
WHERE c.tenant_id = $1
  AND d.status = 'active'
  AND 1 - (c.embedding <=> $2::vector) >= $3
ORDER BY c.embedding <=> $2::vector
LIMIT $4`

func (s *PGVectorSearcher) Search(ctx context.Context, tenantID string, vector []float32, topK int, minScore float64) ([]Passage, error) {
	ctx, span := s.tracer.Start(ctx, "retrieval.pgvector.search")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID), attribute.Int("retrieval.top_k", topK))

	rows, err := s.db.Query(ctx, searchChunksSQL, tenantID, vectorLiteral(vector), minScore, topK)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("retrieval: query reference chunks: %w", err)
	}
	defer rows.Close()

	var out []Passage
	for rows.Next() {
		var p Passage
		if err := rows.Scan(&p.ID, &p.SourceName, &p.SourceCategory, &p.Text, &p.Score); err != nil {
			return nil, fmt.Errorf("retrieval: scan reference chunk: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("retrieval: iterate reference chunks: %w", err)
	}
	return out, nil
}

// vectorLiteral renders a pgvector text literal such as "[0.1,0.2]".
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.Grow(len(v)*8 + 2)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
