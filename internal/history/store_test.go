package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, maxEntries int64) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStore(client, time.Hour, maxEntries), mr
}

func TestRedisStoreAppendAndList(t *testing.T) {
	store, mr := newStore(t, 0)
	ctx := context.Background()

	require.NoError(t, store.AppendTurn(ctx, "conv-1", "user", "What manifold pressure?", nil))
	require.NoError(t, store.AppendTurn(ctx, "conv-1", "assistant", "3.5 in. w.c. [Source: Guide]", map[string]string{"outcome": "released"}))

	turns, err := store.List(ctx, "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, "released", turns[1].Metadata["outcome"])
	assert.NotEmpty(t, turns[0].ID)
	assert.False(t, turns[0].Timestamp.IsZero())

	assert.Equal(t, time.Hour, mr.TTL(keyPrefix+"conv-1"))

	last, err := store.List(ctx, "conv-1", 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "assistant", last[0].Role)
}

func TestRedisStoreTrims(t *testing.T) {
	store, _ := newStore(t, 3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendTurn(ctx, "conv-1", "user", fmt.Sprintf("turn %d", i), nil))
	}

	turns, err := store.List(ctx, "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "turn 2", turns[0].Text)
	assert.Equal(t, "turn 4", turns[2].Text)
}

func TestRedisStoreValidation(t *testing.T) {
	store, _ := newStore(t, 0)
	require.Error(t, store.AppendTurn(context.Background(), "", "user", "x", nil))
	_, err := store.List(context.Background(), "", 0)
	require.Error(t, err)

	empty, err := store.List(context.Background(), "unknown", 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestNilRedisStoreIsNoop(t *testing.T) {
	var store *RedisStore
	assert.Nil(t, NewRedisStore(nil, 0, 0))
	require.NoError(t, store.AppendTurn(context.Background(), "conv", "user", "x", nil))
	turns, err := store.List(context.Background(), "conv", 0)
	require.NoError(t, err)
	assert.Nil(t, turns)
}
