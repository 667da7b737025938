package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed StateStore. Values live under
// "state:<session>:<path>" and expire after the configured TTL.
type RedisStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisStore creates a store on client. A non-positive ttl keeps values
// forever.
func NewRedisStore(client redis.Cmdable, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Key returns the Redis key of a session path.
func Key(sessionID, path string) string {
	return fmt.Sprintf("state:%s:%s", sessionID, path)
}

// Load implements StateStore.
func (s *RedisStore) Load(ctx context.Context, sessionID, path string) (json.RawMessage, bool, error) {
	raw, err := s.client.Get(ctx, Key(sessionID, path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", Key(sessionID, path), err)
	}
	return raw, true, nil
}

// LoadAll implements StateStore. Only allow-listed paths are read.
func (s *RedisStore) LoadAll(ctx context.Context, sessionID string) (map[string]json.RawMessage, error) {
	keys := make([]string, len(PersistedPaths))
	for i, p := range PersistedPaths {
		keys[i] = Key(sessionID, p)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget state:%s: %w", sessionID, err)
	}
	out := make(map[string]json.RawMessage)
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[PersistedPaths[i]] = json.RawMessage(str)
		}
	}
	return out, nil
}

// Save implements StateStore.
func (s *RedisStore) Save(ctx context.Context, sessionID, path string, value json.RawMessage) error {
	ttl := s.ttl
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, Key(sessionID, path), []byte(value), ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", Key(sessionID, path), err)
	}
	return nil
}

// HealthCheck pings the server.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
