package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jspenaq/DataSeed/internal/kv"
)

// Package ratelimit implements a token-bucket limiter over the shared KV
// store. The same algorithm serves two callers: outbound politeness toward
// providers (identifier = source name) and inbound API throttling
// (identifier = caller key or address).

const bucketTTL = time.Hour

// Limiter is a token bucket with capacity C refilled at R tokens/second.
// Bucket state is externalized so all process instances share it.
type Limiter struct {
	capacity   float64
	refillRate float64
	store      kv.Store
	now        func() time.Time
}

// New creates a limiter with the given capacity and refill rate (tokens/sec).
func New(capacity int, refillRate float64, store kv.Store) *Limiter {
	return &Limiter{
		capacity:   float64(capacity),
		refillRate: refillRate,
		store:      store,
		now:        time.Now,
	}
}

// WithClock overrides the time source. For tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func tokensKey(identifier string) string { return "rl:" + identifier + ":tokens" }
func tsKey(identifier string) string     { return "rl:" + identifier + ":ts" }

// Allow consumes one token for the identifier if available. It returns
// whether the request is allowed, the remaining whole tokens, and the time at
// which the bucket refills (to full on allow, to one token on deny).
func (l *Limiter) Allow(ctx context.Context, identifier string) (bool, int, time.Time, error) {
	now := l.now()
	nowSecs := float64(now.UnixNano()) / float64(time.Second)

	tokensRaw, tokensOK, err := l.store.Get(ctx, tokensKey(identifier))
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("read bucket tokens: %w", err)
	}
	tsRaw, tsOK, err := l.store.Get(ctx, tsKey(identifier))
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("read bucket timestamp: %w", err)
	}

	if !tokensOK || !tsOK {
		// First request: start full and consume one.
		tokens := l.capacity - 1
		if err := l.storeBucket(ctx, identifier, tokens, nowSecs); err != nil {
			return false, 0, time.Time{}, err
		}
		reset := l.resetAt(nowSecs, l.capacity-tokens)
		return true, int(tokens), reset, nil
	}

	tokens, err := strconv.ParseFloat(tokensRaw, 64)
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("parse bucket tokens: %w", err)
	}
	lastRefill, err := strconv.ParseFloat(tsRaw, 64)
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("parse bucket timestamp: %w", err)
	}

	elapsed := nowSecs - lastRefill
	candidate := tokens + elapsed*l.refillRate
	if candidate > l.capacity {
		candidate = l.capacity
	}

	if candidate >= 1 {
		candidate--
		if err := l.storeBucket(ctx, identifier, candidate, nowSecs); err != nil {
			return false, 0, time.Time{}, err
		}
		return true, int(candidate), l.resetAt(nowSecs, l.capacity-candidate), nil
	}

	// Deny. The timestamp must not advance, or the elapsed time since the
	// last successful refill would be double-counted on the next check.
	if err := l.store.Set(ctx, tokensKey(identifier), formatFloat(candidate), bucketTTL); err != nil {
		return false, 0, time.Time{}, fmt.Errorf("store bucket tokens: %w", err)
	}
	return false, 0, l.resetAt(nowSecs, 1-candidate), nil
}

func (l *Limiter) storeBucket(ctx context.Context, identifier string, tokens, nowSecs float64) error {
	if err := l.store.Set(ctx, tokensKey(identifier), formatFloat(tokens), bucketTTL); err != nil {
		return fmt.Errorf("store bucket tokens: %w", err)
	}
	if err := l.store.Set(ctx, tsKey(identifier), formatFloat(nowSecs), bucketTTL); err != nil {
		return fmt.Errorf("store bucket timestamp: %w", err)
	}
	return nil
}

func (l *Limiter) resetAt(nowSecs, tokensNeeded float64) time.Time {
	resetSecs := nowSecs + tokensNeeded/l.refillRate
	return time.Unix(0, int64(resetSecs*float64(time.Second)))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
