package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-pushkey-service/pkg/pushkey"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns the value or an error if not found.
	Get(ctx context.Context, key string, dest any) error
	// Set stores the value with a TTL, replacing any existing entry.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	// SetIfAbsent stores the value only when the key is not already cached.
	SetIfAbsent(ctx context.Context, key string, value any, ttl time.Duration) error
	// Del removes the key.
	Del(ctx context.Context, key string) error
}

// CachedKeyStore is a Decorator that adds read-aside caching of Get to any KeyStore.
type CachedKeyStore struct {
	realStore pushkey.KeyStore
	cache     CacheClient
	ttl       time.Duration
	logger    *slog.Logger
}

func NewCachedKeyStore(realStore pushkey.KeyStore, cache CacheClient, ttl time.Duration, logger *slog.Logger) *CachedKeyStore {
	return &CachedKeyStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
		logger:    logger.With("component", "CachedKeyStore"),
	}
}

// --- READ PATH (Read-Aside) ---

func (s *CachedKeyStore) Get(ctx context.Context, key string) (*pushkey.DeviceRecord, error) {
	ck := s.cacheKey(key)

	var cached pushkey.DeviceRecord
	if err := s.cache.Get(ctx, ck, &cached); err == nil {
		return &cached, nil
	}

	fresh, err := s.realStore.Get(ctx, key)
	if err != nil {
		// Misses are not cached: a key may be registered at any time.
		return nil, err
	}

	// A concurrent Update may already have cached a newer token; never overwrite it.
	if err := s.cache.SetIfAbsent(ctx, ck, fresh, s.ttl); err != nil {
		s.logger.Warn("Failed to populate cache", "key", key, "err", err)
	}
	return fresh, nil
}

// --- WRITE PATHS ---

// Put goes straight to the source of truth; a new key cannot be cached yet.
func (s *CachedKeyStore) Put(ctx context.Context, record pushkey.DeviceRecord) error {
	return s.realStore.Put(ctx, record)
}

// Update writes the rotated token through to the cache so a reader that
// loaded the old record before the rotation cannot repopulate it.
func (s *CachedKeyStore) Update(ctx context.Context, key, token string) error {
	if err := s.realStore.Update(ctx, key, token); err != nil {
		return err
	}

	ck := s.cacheKey(key)
	record := pushkey.DeviceRecord{Key: key, Token: token, UpdatedAt: time.Now().UTC()}
	if err := s.cache.Set(ctx, ck, record, s.ttl); err != nil {
		s.logger.Warn("Failed to write rotated token to cache, invalidating", "key", key, "err", err)
		return s.cache.Del(ctx, ck)
	}
	return nil
}

func (s *CachedKeyStore) cacheKey(key string) string {
	return "pushkey:device:" + key
}
