package kv

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Package kv provides the ephemeral key-value store shared by the ETag cache,
// the rate limiter buckets, and the per-source run locks. All coordination
// state lives here so orchestrator processes can scale horizontally.

// Store is a narrow TTL'd key-value contract. Values expire after their TTL;
// a zero TTL means no expiry.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets the key only if it does not exist, returning true when the
	// key was claimed. Used for best-effort per-source run locks.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// Options configures concrete store implementations.
type Options struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	BBoltPath     string
}

// NewStore creates the configured KV backend.
func NewStore(backend string, opts Options) (Store, error) {
	backend = strings.TrimSpace(strings.ToLower(backend))

	switch backend {
	case "", "redis":
		return newRedisStore(opts)
	case "bbolt":
		if strings.TrimSpace(opts.BBoltPath) == "" {
			return nil, fmt.Errorf("bbolt kv backend requires a path")
		}
		return openBolt(opts.BBoltPath)
	default:
		return nil, fmt.Errorf("unsupported kv backend %q", backend)
	}
}
