package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisWindow implements the shared sliding-window counter on Redis.
// Keys are "rate:<scope>:<unix-second>" with a 2-second expiry so stale
// windows clean themselves up.
type redisWindow struct {
	client *redis.Client
	scope  string
}

// NewShared creates a limiter whose aggregate rate is shared across
// processes via Redis. redisURL must be a valid Redis URL; scope names the
// store the limiter protects (typically the store host).
func NewShared(rps float64, redisURL, scope string) (*Limiter, error) {
	l, err := New(rps)
	if err != nil {
		return nil, err
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	l.shared = &redisWindow{client: client, scope: scope}
	return l, nil
}

// newSharedWithClient wires an existing client; used by tests.
func newSharedWithClient(rps float64, client *redis.Client, scope string) (*Limiter, error) {
	l, err := New(rps)
	if err != nil {
		return nil, err
	}
	l.shared = &redisWindow{client: client, scope: scope}
	return l, nil
}

func (w *redisWindow) key() string {
	return fmt.Sprintf("rate:%s:%d", w.scope, time.Now().Unix())
}

// Take increments the current window and reports whether the caller is
// within the per-second limit. The increment stays even when the window is
// full; over-limit callers retry in a later window.
func (w *redisWindow) Take(ctx context.Context, limit int) (bool, error) {
	key := w.key()
	pipe := w.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate window incr: %w", err)
	}
	return incr.Val() <= int64(limit), nil
}
