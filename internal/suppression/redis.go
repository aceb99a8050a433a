package suppression

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores the suppression list in a Redis hash keyed by address, so
// several mailflow instances share one list.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis creates a Redis-backed list under prefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "mailflow:"
	}
	return &Redis{client: client, key: prefix + "suppressions"}
}

func (r *Redis) Add(ctx context.Context, email string, reason Reason) error {
	key := Normalize(email)
	data, err := json.Marshal(Entry{Email: key, Reason: reason, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal suppression: %w", err)
	}
	// HSETNX keeps the first reason recorded.
	if err := r.client.HSetNX(ctx, r.key, key, data).Err(); err != nil {
		return fmt.Errorf("failed to add suppression: %w", err)
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, email string) error {
	if err := r.client.HDel(ctx, r.key, Normalize(email)).Err(); err != nil {
		return fmt.Errorf("failed to remove suppression: %w", err)
	}
	return nil
}

func (r *Redis) IsSuppressed(ctx context.Context, email string) (bool, error) {
	ok, err := r.client.HExists(ctx, r.key, Normalize(email)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check suppression: %w", err)
	}
	return ok, nil
}

func (r *Redis) List(ctx context.Context) ([]Entry, error) {
	values, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list suppressions: %w", err)
	}

	out := make([]Entry, 0, len(values))
	for email, raw := range values {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			e = Entry{Email: email}
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}
