package cache_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-pushkey-service/internal/storage/cache"
	"github.com/tinywideclouds/go-pushkey-service/internal/storage/memory"
	"github.com/tinywideclouds/go-pushkey-service/pkg/pushkey"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Mocks ---
type MockCache struct {
	mock.Mock
}

func (m *MockCache) Get(ctx context.Context, key string, dest any) error {
	args := m.Called(ctx, key, dest)
	return args.Error(0)
}
func (m *MockCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return m.Called(ctx, key, value, ttl).Error(0)
}
func (m *MockCache) SetIfAbsent(ctx context.Context, key string, value any, ttl time.Duration) error {
	return m.Called(ctx, key, value, ttl).Error(0)
}
func (m *MockCache) Del(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

type MockRealStore struct {
	mock.Mock
}

func (m *MockRealStore) Get(ctx context.Context, key string) (*pushkey.DeviceRecord, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pushkey.DeviceRecord), args.Error(1)
}
func (m *MockRealStore) Put(ctx context.Context, record pushkey.DeviceRecord) error {
	return m.Called(ctx, record).Error(0)
}
func (m *MockRealStore) Update(ctx context.Context, key, token string) error {
	return m.Called(ctx, key, token).Error(0)
}

func TestCachedKeyStore(t *testing.T) {
	ctx := context.Background()
	cacheKey := "pushkey:device:key-1"

	t.Run("Cache hit skips the store", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDB := new(MockRealStore)
		store := cache.NewCachedKeyStore(mockDB, mockCache, time.Hour, newTestLogger())

		mockCache.On("Get", ctx, cacheKey, mock.Anything).
			Run(func(args mock.Arguments) {
				dest := args.Get(2).(*pushkey.DeviceRecord)
				dest.Key = "key-1"
				dest.Token = "cached-token"
			}).
			Return(nil)

		record, err := store.Get(ctx, "key-1")
		require.NoError(t, err)
		assert.Equal(t, "cached-token", record.Token)
		mockDB.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
	})

	t.Run("Cache miss reads through and populates", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDB := new(MockRealStore)
		store := cache.NewCachedKeyStore(mockDB, mockCache, time.Hour, newTestLogger())

		fresh := &pushkey.DeviceRecord{Key: "key-1", Token: "db-token"}
		mockCache.On("Get", ctx, cacheKey, mock.Anything).Return(cache.ErrCacheMiss)
		mockDB.On("Get", ctx, "key-1").Return(fresh, nil)
		mockCache.On("SetIfAbsent", ctx, cacheKey, fresh, time.Hour).Return(nil)

		record, err := store.Get(ctx, "key-1")
		require.NoError(t, err)
		assert.Equal(t, "db-token", record.Token)
		mockDB.AssertExpectations(t)
		mockCache.AssertExpectations(t)
	})

	t.Run("Unknown key is not cached", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDB := new(MockRealStore)
		store := cache.NewCachedKeyStore(mockDB, mockCache, time.Hour, newTestLogger())

		mockCache.On("Get", ctx, cacheKey, mock.Anything).Return(cache.ErrCacheMiss)
		mockDB.On("Get", ctx, "key-1").Return(nil, pushkey.ErrKeyNotFound)

		_, err := store.Get(ctx, "key-1")
		assert.ErrorIs(t, err, pushkey.ErrKeyNotFound)
		mockCache.AssertNotCalled(t, "SetIfAbsent", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Rotation writes the new token through", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDB := new(MockRealStore)
		store := cache.NewCachedKeyStore(mockDB, mockCache, time.Hour, newTestLogger())

		mockDB.On("Update", ctx, "key-1", "new-token").Return(nil)
		mockCache.On("Set", ctx, cacheKey, mock.MatchedBy(func(r pushkey.DeviceRecord) bool {
			return r.Key == "key-1" && r.Token == "new-token"
		}), time.Hour).Return(nil)

		require.NoError(t, store.Update(ctx, "key-1", "new-token"))
		mockDB.AssertExpectations(t)
		mockCache.AssertExpectations(t)
		mockCache.AssertNotCalled(t, "Del", mock.Anything, mock.Anything)
	})

	t.Run("Rotation falls back to invalidation when the cache write fails", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDB := new(MockRealStore)
		store := cache.NewCachedKeyStore(mockDB, mockCache, time.Hour, newTestLogger())

		mockDB.On("Update", ctx, "key-1", "new-token").Return(nil)
		mockCache.On("Set", ctx, cacheKey, mock.Anything, time.Hour).Return(errors.New("redis busy"))
		mockCache.On("Del", ctx, cacheKey).Return(nil)

		require.NoError(t, store.Update(ctx, "key-1", "new-token"))
		mockCache.AssertExpectations(t)
	})

	t.Run("Failed rotation leaves cache alone", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDB := new(MockRealStore)
		store := cache.NewCachedKeyStore(mockDB, mockCache, time.Hour, newTestLogger())

		mockDB.On("Update", ctx, "key-1", "new-token").Return(pushkey.ErrKeyNotFound)

		err := store.Update(ctx, "key-1", "new-token")
		assert.ErrorIs(t, err, pushkey.ErrKeyNotFound)
		mockCache.AssertNotCalled(t, "Del", mock.Anything, mock.Anything)
		mockCache.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Put passes through", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDB := new(MockRealStore)
		store := cache.NewCachedKeyStore(mockDB, mockCache, time.Hour, newTestLogger())

		rec := pushkey.DeviceRecord{Key: "key-2", Token: "t"}
		mockDB.On("Put", ctx, rec).Return(pushkey.ErrKeyExists)

		err := store.Put(ctx, rec)
		assert.ErrorIs(t, err, pushkey.ErrKeyExists)
	})
}

// mapCache is an in-process CacheClient with redis SET / SETNX semantics.
type mapCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string][]byte)}
}

func (c *mapCache) Get(_ context.Context, key string, dest any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.entries[key]
	if !ok {
		return cache.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (c *mapCache) Set(_ context.Context, key string, value any, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = raw
	return nil
}

func (c *mapCache) SetIfAbsent(_ context.Context, key string, value any, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		c.entries[key] = raw
	}
	return nil
}

func (c *mapCache) Del(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// slowReadStore holds its first Get after the read until resume is closed.
type slowReadStore struct {
	*memory.KeyStore
	once   sync.Once
	read   chan struct{}
	resume chan struct{}
}

func (s *slowReadStore) Get(ctx context.Context, key string) (*pushkey.DeviceRecord, error) {
	record, err := s.KeyStore.Get(ctx, key)
	s.once.Do(func() {
		close(s.read)
		<-s.resume
	})
	return record, err
}

func TestCachedKeyStore_ReadDuringRotation(t *testing.T) {
	ctx := context.Background()

	inner := memory.NewKeyStore()
	require.NoError(t, inner.Put(ctx, pushkey.DeviceRecord{Key: "key-1", Token: "old-token"}))

	slow := &slowReadStore{KeyStore: inner, read: make(chan struct{}), resume: make(chan struct{})}
	store := cache.NewCachedKeyStore(slow, newMapCache(), time.Hour, newTestLogger())

	// 1. A reader loads the old record from the store and stalls before caching it.
	done := make(chan *pushkey.DeviceRecord)
	go func() {
		record, err := store.Get(ctx, "key-1")
		assert.NoError(t, err)
		done <- record
	}()
	<-slow.read

	// 2. The token rotates while the reader is stalled.
	require.NoError(t, store.Update(ctx, "key-1", "new-token"))

	// 3. The stale reader finishes.
	close(slow.resume)
	stale := <-done
	assert.Equal(t, "old-token", stale.Token)

	// 4. Later reads see the rotated token.
	record, err := store.Get(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "new-token", record.Token)
}
