package kv

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	kvBucket         = "kv"
	expiryValueBytes = 8
	cleanupInterval  = 12 * time.Hour
)

// boltStore implements Store backed by a local BoltDB file. It is the
// single-process fallback for deployments without Redis.
type boltStore struct {
	db          *bolt.DB
	lastCleanup atomic.Int64
}

// openBolt initializes a BoltDB-backed Store.
func openBolt(path string) (Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create kv directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(kvBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init kv bucket: %w", err)
	}

	store := &boltStore{db: db}
	store.lastCleanup.Store(time.Now().Unix())
	return store, nil
}

func (b *boltStore) Get(_ context.Context, key string) (string, bool, error) {
	if err := b.maybeCleanupExpired(time.Now()); err != nil {
		return "", false, err
	}

	var (
		value string
		found bool
	)
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(kvBucket))
		if bucket == nil {
			return fmt.Errorf("kv bucket missing")
		}

		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}

		expiry, payload, ok := decodeValue(raw)
		if !ok || (expiry > 0 && expiry <= time.Now().Unix()) {
			return bucket.Delete([]byte(key))
		}

		value = string(payload)
		found = true
		return nil
	})
	return value, found, err
}

func (b *boltStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if err := b.maybeCleanupExpired(time.Now()); err != nil {
		return err
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(kvBucket))
		if bucket == nil {
			return fmt.Errorf("kv bucket missing")
		}
		return bucket.Put([]byte(key), encodeValue(value, ttl, time.Now()))
	})
}

func (b *boltStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	var claimed bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(kvBucket))
		if bucket == nil {
			return fmt.Errorf("kv bucket missing")
		}

		if raw := bucket.Get([]byte(key)); raw != nil {
			expiry, _, ok := decodeValue(raw)
			if ok && (expiry == 0 || expiry > time.Now().Unix()) {
				return nil // live key, not claimed
			}
		}

		claimed = true
		return bucket.Put([]byte(key), encodeValue(value, ttl, time.Now()))
	})
	return claimed, err
}

func (b *boltStore) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(kvBucket))
		if bucket == nil {
			return fmt.Errorf("kv bucket missing")
		}
		return bucket.Delete([]byte(key))
	})
}

func (b *boltStore) Ping(context.Context) error {
	if b == nil || b.db == nil {
		return fmt.Errorf("bbolt store is not open")
	}
	return nil
}

func (b *boltStore) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// maybeCleanupExpired sweeps expired entries at most once per cleanupInterval.
func (b *boltStore) maybeCleanupExpired(now time.Time) error {
	last := b.lastCleanup.Load()
	if now.Unix()-last < int64(cleanupInterval/time.Second) {
		return nil
	}
	if !b.lastCleanup.CompareAndSwap(last, now.Unix()) {
		return nil
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(kvBucket))
		if bucket == nil {
			return fmt.Errorf("kv bucket missing")
		}

		cursor := bucket.Cursor()
		var expired [][]byte
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			expiry, _, ok := decodeValue(v)
			if !ok || (expiry > 0 && expiry <= now.Unix()) {
				expired = append(expired, append([]byte(nil), k...))
			}
		}
		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func encodeValue(value string, ttl time.Duration, now time.Time) []byte {
	buf := make([]byte, expiryValueBytes+len(value))
	if ttl > 0 {
		binary.BigEndian.PutUint64(buf, uint64(now.Add(ttl).Unix()))
	}
	copy(buf[expiryValueBytes:], value)
	return buf
}

func decodeValue(raw []byte) (expiry int64, payload []byte, ok bool) {
	if len(raw) < expiryValueBytes {
		return 0, nil, false
	}
	return int64(binary.BigEndian.Uint64(raw)), raw[expiryValueBytes:], true
}
