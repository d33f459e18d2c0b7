// Package dedup drops redelivered webhook messages. Twilio retries a
// webhook when it does not get a timely answer, so the same MessageSid can
// arrive more than once.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config configures the dedup store.
type Config struct {
	// RedisURL selects the Redis store ("redis://host:6379/0"). Empty
	// keeps the ids in process memory.
	RedisURL string `yaml:"redis_url"`

	// TTL is how long an id is remembered.
	TTL time.Duration `yaml:"ttl"`

	// Prefix namespaces the Redis keys.
	Prefix string `yaml:"prefix"`
}

// DefaultConfig returns the dedup defaults.
func DefaultConfig() Config {
	return Config{TTL: 10 * time.Minute, Prefix: "assistclaw:msg:"}
}

// Store remembers message ids.
type Store interface {
	// Seen records id and reports whether it had already been recorded.
	Seen(ctx context.Context, id string) (bool, error)
	// Forget drops id so a later delivery is processed again. Used when a
	// recorded message could not be accepted.
	Forget(ctx context.Context, id string) error
	Close() error
}

// New returns a Redis store when cfg.RedisURL is set, a memory store
// otherwise.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.RedisURL == "" {
		logger.Debug("dedup using process memory", "ttl", cfg.TTL)
		return NewMemory(cfg.TTL), nil
	}
	return NewRedis(ctx, cfg)
}

// Redis keeps ids as expiring keys.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedis connects to cfg.RedisURL and verifies the connection.
func NewRedis(ctx context.Context, cfg Config) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client, ttl: cfg.TTL, prefix: cfg.Prefix}, nil
}

// Seen implements Store with SET NX.
func (r *Redis) Seen(ctx context.Context, id string) (bool, error) {
	created, err := r.client.SetNX(ctx, r.prefix+id, time.Now().Unix(), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return !created, nil
}

// Forget implements Store.
func (r *Redis) Forget(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.prefix+id).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close implements Store.
func (r *Redis) Close() error { return r.client.Close() }

// Memory keeps ids in a map. Expired ids are dropped lazily.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]time.Time
	lastGC  time.Time
}

// NewMemory creates a memory store.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, now: time.Now, entries: make(map[string]time.Time)}
}

// Seen implements Store.
func (m *Memory) Seen(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if now.Sub(m.lastGC) >= m.ttl {
		for k, exp := range m.entries {
			if !now.Before(exp) {
				delete(m.entries, k)
			}
		}
		m.lastGC = now
	}

	if exp, ok := m.entries[id]; ok && now.Before(exp) {
		return true, nil
	}
	m.entries[id] = now.Add(m.ttl)
	return false, nil
}

// Forget implements Store.
func (m *Memory) Forget(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	return nil
}

// Len returns the number of remembered ids.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close implements Store.
func (m *Memory) Close() error { return nil }
