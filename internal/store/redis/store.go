// Package redis implements the SharedStore port on go-redis, backing the
// distributed circuit breaker with state that survives process restarts and
// is visible to every worker.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	goredis "github.com/go-redis/redis/v8"
)

// StoreConfig configures the Redis shared store.
type StoreConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Store is a thin SharedStore adapter over one Redis client.
type Store struct {
	client *goredis.Client
}

// Client returns the underlying Redis client for health checks.
func (s *Store) Client() *goredis.Client { return s.client }

// casScript swaps the key's value only when it matches ARGV[1]; an empty
// expected value means set-if-absent. Runs server side so the read-compare-
// write is one atomic round trip.
var casScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if ARGV[1] == '' then
    if cur then return 0 end
else
    if not cur or cur ~= ARGV[1] then return 0 end
end
if tonumber(ARGV[3]) > 0 then
    redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
    redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// New creates a new shared store and pings the server, retrying with
// exponential backoff so a worker starting before Redis does not crash-loop.
func New(ctx context.Context, cfg StoreConfig) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ping := func() (struct{}, error) {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return struct{}{}, client.Ping(pctx).Err()
	}
	_, err := backoff.Retry(ctx, ping,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(30*time.Second))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	slog.Info("shared store connected", slog.String("addr", cfg.Addr))
	return &Store{client: client}, nil
}

// Get returns the value and whether the key exists.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set writes the value with a TTL (0 = no expiry).
func (s *Store) Set(ctx context.Context, key, val string, ttl time.Duration) error {
	return s.client.Set(ctx, key, val, ttl).Err()
}

// Incr atomically increments the integer value at key.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

// CompareAndSwap swaps the value server side via a Lua script, so two racing
// workers cannot both win.
func (s *Store) CompareAndSwap(ctx context.Context, key, oldVal, newVal string, ttl time.Duration) (bool, error) {
	res, err := casScript.Run(ctx, s.client, []string{key},
		oldVal, newVal, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
