package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/carpool/internal/carpool/repository"
)

func TestRedisIdempotencyFirstWriteWins(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := repository.NewRedisIdempotencyRepo(client, "")
	ctx := context.Background()

	_, ok, err := repo.GetResponse(ctx, "ann:key-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, repo.PutResponse(ctx, "ann:key-1", []byte("first"), time.Minute))
	require.NoError(t, repo.PutResponse(ctx, "ann:key-1", []byte("second"), time.Minute))

	payload, ok, err := repo.GetResponse(ctx, "ann:key-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("first"), payload)

	mr.FastForward(2 * time.Minute)
	_, ok, err = repo.GetResponse(ctx, "ann:key-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryIdempotencyRoundTrip(t *testing.T) {
	repo := repository.NewMemoryIdempotencyRepo()
	ctx := context.Background()

	require.NoError(t, repo.PutResponse(ctx, "k", []byte("v"), 0))
	payload, ok, err := repo.GetResponse(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), payload)

	_, ok, err = repo.GetResponse(ctx, "other")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryIdempotencyFirstWriteWins(t *testing.T) {
	repo := repository.NewMemoryIdempotencyRepo()
	ctx := context.Background()

	require.NoError(t, repo.PutResponse(ctx, "ann:key-1", []byte("first"), time.Minute))
	require.NoError(t, repo.PutResponse(ctx, "ann:key-1", []byte("second"), time.Minute))

	payload, ok, err := repo.GetResponse(ctx, "ann:key-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("first"), payload)

	// an expired entry can be replaced
	require.NoError(t, repo.PutResponse(ctx, "ann:key-2", []byte("stale"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, repo.PutResponse(ctx, "ann:key-2", []byte("fresh"), time.Minute))
	payload, ok, err = repo.GetResponse(ctx, "ann:key-2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("fresh"), payload)
}
