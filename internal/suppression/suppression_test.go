package suppression

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client
}

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"redis":  func(t *testing.T) Store { return NewRedis(setupTestRedis(t), "test:") },
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()

			ok, err := s.IsSuppressed(ctx, "ann@example.com")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Add(ctx, " Ann@Example.com ", ReasonBounced))
			require.NoError(t, s.Add(ctx, "ann@example.com", ReasonUnsubscribed))
			require.NoError(t, s.Add(ctx, "bob@example.com", ReasonManual))

			ok, err = s.IsSuppressed(ctx, "ANN@example.com")
			require.NoError(t, err)
			assert.True(t, ok)

			entries, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, "ann@example.com", entries[0].Email)
			assert.Equal(t, ReasonBounced, entries[0].Reason, "first reason wins")

			require.NoError(t, s.Remove(ctx, "ann@example.com"))
			ok, err = s.IsSuppressed(ctx, "ann@example.com")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}
