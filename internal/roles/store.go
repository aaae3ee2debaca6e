package roles

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yardcore/yardcore/internal/config"
)

// LeaseStore is the shared key-value store backing role leases.
type LeaseStore interface {
	// SetNX sets key to value with ttl only if the key does not exist.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Set unconditionally sets key to value with ttl.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the value of key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
}

// RedisStore implements LeaseStore on Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis using the given settings.
func NewRedisStore(cfg config.RedisConfig) *RedisStore {
	slog.Info("Opening Redis connection", "address", cfg.Address, "db", cfg.DB)
	return &RedisStore{client: redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})}
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(c *redis.Client) *RedisStore {
	return &RedisStore{client: c}
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client { return s.client }

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the connection.
func (s *RedisStore) Close() error { return s.client.Close() }

// SetNX implements LeaseStore.
func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

// Set implements LeaseStore.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Get implements LeaseStore.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// MemoryStore is a process-local LeaseStore with TTL expiry.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
	failErr error
}

type memEntry struct {
	value   string
	expires time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), now: time.Now}
}

// Fail makes every call return err until Fail(nil) is called.
func (s *MemoryStore) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// Expire removes a key as if its TTL had elapsed.
func (s *MemoryStore) Expire(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

func (s *MemoryStore) lookup(key string) (memEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expires.IsZero() && !s.now().Before(e.expires) {
		delete(s.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// SetNX implements LeaseStore.
func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return false, s.failErr
	}
	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.entries[key] = memEntry{value: value, expires: s.expiry(ttl)}
	return true, nil
}

// Set implements LeaseStore.
func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.entries[key] = memEntry{value: value, expires: s.expiry(ttl)}
	return nil
}

// Get implements LeaseStore.
func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return "", false, s.failErr
	}
	e, ok := s.lookup(key)
	return e.value, ok, nil
}
