package extract

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"time"

	"github.com/jspenaq/DataSeed/internal/kv"
	"github.com/jspenaq/DataSeed/internal/logger"
)

const etagTTL = 24 * time.Hour

// ETagCache remembers ETag validators per request URL so extractors can
// issue conditional requests. Cache failures are logged and treated as a
// miss, never as an extraction error.
type ETagCache struct {
	store kv.Store
	log   logger.Logger
}

func NewETagCache(store kv.Store, log logger.Logger) *ETagCache {
	if log == nil {
		log = logger.NopLogger{}
	}
	return &ETagCache{store: store, log: log}
}

func etagKey(url string) string {
	sum := sha1.Sum([]byte(url))
	return "provider:etag:" + hex.EncodeToString(sum[:])
}

// Validator returns the cached ETag for url, or "" when none is known.
func (c *ETagCache) Validator(ctx context.Context, url string) string {
	if c == nil || c.store == nil {
		return ""
	}
	val, ok, err := c.store.Get(ctx, etagKey(url))
	if err != nil {
		c.log.WarnObj("failed to read etag cache", "etag_cache_error", map[string]any{"url": url, "error": err.Error()})
		return ""
	}
	if !ok {
		return ""
	}
	return val
}

// Remember stores the ETag for url with a 24h TTL.
func (c *ETagCache) Remember(ctx context.Context, url, etag string) {
	if c == nil || c.store == nil || etag == "" {
		return
	}
	if err := c.store.Set(ctx, etagKey(url), etag, etagTTL); err != nil {
		c.log.WarnObj("failed to write etag cache", "etag_cache_error", map[string]any{"url": url, "error": err.Error()})
	}
}
