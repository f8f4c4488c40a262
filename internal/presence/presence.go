// Package presence records which users currently hold a realtime connection.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tracker maps a user to their most recent live connection id.
type Tracker interface {
	Set(ctx context.Context, userID, connID string) error
	// Get returns the connection id and whether the user is online.
	Get(ctx context.Context, userID string) (string, bool, error)
	// Remove clears the entry only while it still belongs to connID, so a
	// stale disconnect never hides a newer connection.
	Remove(ctx context.Context, userID, connID string) error
}

// MemoryTracker keeps presence in process. It suits single-instance deployments.
type MemoryTracker struct {
	mu    sync.RWMutex
	conns map[string]string
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{conns: make(map[string]string)}
}

func (t *MemoryTracker) Set(ctx context.Context, userID, connID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[userID] = connID
	return nil
}

func (t *MemoryTracker) Get(ctx context.Context, userID string) (string, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	connID, ok := t.conns[userID]
	return connID, ok, nil
}

func (t *MemoryTracker) Remove(ctx context.Context, userID, connID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns[userID] == connID {
		delete(t.conns, userID)
	}
	return nil
}

var removeIfOwner = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisTracker shares presence across gateway instances. Entries expire after
// ttl unless refreshed, which bounds the damage of a crashed instance.
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisTracker(client *redis.Client, ttl time.Duration) *RedisTracker {
	return &RedisTracker{client: client, ttl: ttl}
}

func presenceKey(userID string) string {
	return "presence:" + userID
}

func (t *RedisTracker) Set(ctx context.Context, userID, connID string) error {
	return t.client.Set(ctx, presenceKey(userID), connID, t.ttl).Err()
}

func (t *RedisTracker) Get(ctx context.Context, userID string) (string, bool, error) {
	connID, err := t.client.Get(ctx, presenceKey(userID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return connID, true, nil
}

func (t *RedisTracker) Remove(ctx context.Context, userID, connID string) error {
	return removeIfOwner.Run(ctx, t.client, []string{presenceKey(userID)}, connID).Err()
}
