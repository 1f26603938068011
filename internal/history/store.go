// Package history keeps conversation turns for display. The guard never reads
// it back; callers own the conversation they send.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const keyPrefix = "groundguard:history:"

// Turn is one stored conversation turn.
type Turn struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	Text      string            `json:"text"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Store is the conversation persistence collaborator.
type Store interface {
	AppendTurn(ctx context.Context, conversationID, role, text string, metadata map[string]string) error
}

// RedisStore keeps each conversation as a capped, expiring Redis list.
type RedisStore struct {
	redis      *redis.Client
	tracer     trace.Tracer
	ttl        time.Duration
	maxEntries int64
}

func NewRedisStore(client *redis.Client, ttl time.Duration, maxEntries int64) *RedisStore {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if maxEntries <= 0 {
		maxEntries = 200
	}
	return &RedisStore{
		redis:      client,
		tracer:     otel.Tracer("groundguard.internal.history"),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

func (s *RedisStore) AppendTurn(ctx context.Context, conversationID, role, text string, metadata map[string]string) error {
	if s == nil || s.redis == nil {
		return nil
	}
	if conversationID == "" {
		return errors.New("history: conversationID required")
	}

	data, err := json.Marshal(Turn{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("history: marshal turn: %w", err)
	}

	ctx, span := s.tracer.Start(ctx, "history.append")
	defer span.End()

	key := keyPrefix + conversationID
	pipe := s.redis.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, s.ttl)
	pipe.LTrim(ctx, key, -s.maxEntries, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("history: append turn: %w", err)
	}
	return nil
}

// List returns the most recent limit turns, oldest first. limit <= 0 returns
// everything retained.
func (s *RedisStore) List(ctx context.Context, conversationID string, limit int64) ([]Turn, error) {
	if s == nil || s.redis == nil {
		return nil, nil
	}
	if conversationID == "" {
		return nil, errors.New("history: conversationID required")
	}

	ctx, span := s.tracer.Start(ctx, "history.list")
	defer span.End()

	start := int64(0)
	if limit > 0 {
		start = -limit
	}
	raw, err := s.redis.LRange(ctx, keyPrefix+conversationID, start, -1).Result()
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, redis.Nil) {
			return []Turn{}, nil
		}
		return nil, fmt.Errorf("history: list turns: %w", err)
	}

	out := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var turn Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			span.RecordError(err)
			continue
		}
		out = append(out, turn)
	}
	return out, nil
}
