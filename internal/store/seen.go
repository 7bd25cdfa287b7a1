package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SeenTracker records event IDs observed across relays so the pool can
// suppress cross-relay duplicates. Seen marks the ID and reports whether it
// had been marked before.
type SeenTracker interface {
	Seen(ctx context.Context, eventID string) (bool, error)
}

// MemorySeen is an in-process SeenTracker with a size cap. When full it
// evicts a fifth of the entries, oldest first.
type MemorySeen struct {
	mu      sync.Mutex
	entries map[string]int64
	order   []string
	maxSize int
}

// NewMemorySeen creates a tracker holding at most maxSize IDs (0 means
// 100 000).
func NewMemorySeen(maxSize int) *MemorySeen {
	if maxSize <= 0 {
		maxSize = 100_000
	}
	return &MemorySeen{
		entries: make(map[string]int64),
		maxSize: maxSize,
	}
}

func (m *MemorySeen) Seen(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[eventID]; ok {
		return true, nil
	}

	if len(m.entries) >= m.maxSize {
		evict := m.maxSize / 5
		if evict == 0 {
			evict = 1
		}
		for _, id := range m.order[:evict] {
			delete(m.entries, id)
		}
		m.order = m.order[evict:]
	}

	m.entries[eventID] = time.Now().UnixNano()
	m.order = append(m.order, eventID)
	return false, nil
}

// Len reports the number of tracked IDs.
func (m *MemorySeen) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// RedisSeen is a SeenTracker shared between processes, backed by Redis
// SETNX with a TTL.
type RedisSeen struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisSeen connects to redisURL (redis://[:password@]host:port/db) and
// verifies the connection.
func NewRedisSeen(ctx context.Context, redisURL, prefix string, ttl time.Duration) (*RedisSeen, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	if ttl <= 0 {
		ttl = time.Hour
	}
	if prefix == "" {
		prefix = "seen:"
	}
	return &RedisSeen{client: client, prefix: prefix, ttl: ttl}, nil
}

func (r *RedisSeen) Seen(ctx context.Context, eventID string) (bool, error) {
	set, err := r.client.SetNX(ctx, r.prefix+eventID, 1, r.ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

// Close releases the Redis client.
func (r *RedisSeen) Close() error {
	return r.client.Close()
}
