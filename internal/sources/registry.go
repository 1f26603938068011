// Package sources answers which documents a tenant may cite.
package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/groundguard/pkg/logging"
)

// Registry lists the source names eligible for citation.
type Registry interface {
	ListSourceNames(ctx context.Context, tenantID string) ([]string, error)
}

type pgxQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresRegistry reads active reference documents.
type PostgresRegistry struct {
	db     pgxQuerier
	tracer trace.Tracer
}

func NewPostgresRegistry(db pgxQuerier) *PostgresRegistry {
	if db == nil {
		panic("sources: pgx pool cannot be nil")
	}
	return &PostgresRegistry{db: db, tracer: otel.Tracer("groundguard.internal.sources")}
}

const listSourceNamesSQL = `
SELECT DISTINCT source_name
FROM reference_documents
WHERE tenant_id = $1 AND status = 'active'
ORDER BY source_name`

func (r *PostgresRegistry) ListSourceNames(ctx context.Context, tenantID string) ([]string, error) {
	ctx, span := r.tracer.Start(ctx, "sources.postgres.list")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID))

	rows, err := r.db.Query(ctx, listSourceNamesSQL, tenantID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("sources: query source names: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("sources: scan source name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sources: iterate source names: %w", err)
	}
	return names, nil
}

const cacheKeyPrefix = "groundguard:sources:"

// CachedRegistry keeps source lists in Redis for ttl in front of another
// registry. Cache errors are logged and the backing registry is used.
type CachedRegistry struct {
	next   Registry
	client *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

func NewCachedRegistry(next Registry, client *redis.Client, ttl time.Duration, logger *logging.Logger) *CachedRegistry {
	if next == nil {
		panic("sources: backing registry cannot be nil")
	}
	if client == nil {
		panic("sources: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &CachedRegistry{next: next, client: client, ttl: ttl, logger: logger}
}

func (c *CachedRegistry) ListSourceNames(ctx context.Context, tenantID string) ([]string, error) {
	key := cacheKeyPrefix + tenantID

	raw, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		var names []string
		if jsonErr := json.Unmarshal([]byte(raw), &names); jsonErr == nil {
			return names, nil
		}
		c.logger.Warn("sources: discarding unreadable cache entry", "tenant_id", tenantID)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("sources: cache read failed", "tenant_id", tenantID, "error", err)
	}

	names, err := c.next.ListSourceNames(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(names)
	if err == nil {
		err = c.client.Set(ctx, key, payload, c.ttl).Err()
	}
	if err != nil {
		c.logger.Warn("sources: cache write failed", "tenant_id", tenantID, "error", err)
	}
	return names, nil
}

// Invalidate drops a tenant's cached list, for use after document uploads.
func (c *CachedRegistry) Invalidate(ctx context.Context, tenantID string) error {
	if err := c.client.Del(ctx, cacheKeyPrefix+tenantID).Err(); err != nil {
		return fmt.Errorf("sources: invalidate cache: %w", err)
	}
	return nil
}

// StaticRegistry serves fixed lists, keyed by tenant. The "*" entry applies
// to every tenant.
type StaticRegistry map[string][]string

func (s StaticRegistry) ListSourceNames(_ context.Context, tenantID string) ([]string, error) {
	seen := make(map[string]bool)
	names := []string{}
	for _, key := range []string{tenantID, "*"} {
		for _, n := range s[key] {
			n = strings.TrimSpace(n)
			if n != "" && !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}
