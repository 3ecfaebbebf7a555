// Package memory provides a process-local KeyStore for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tinywideclouds/go-pushkey-service/pkg/pushkey"
)

// KeyStore keeps device records in a mutex guarded map.
type KeyStore struct {
	mu      sync.RWMutex
	records map[string]pushkey.DeviceRecord
	now     func() time.Time
}

func NewKeyStore() *KeyStore {
	return &KeyStore{
		records: make(map[string]pushkey.DeviceRecord),
		now:     time.Now,
	}
}

func (s *KeyStore) Get(_ context.Context, key string) (*pushkey.DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pushkey.ErrKeyNotFound, key)
	}
	return &record, nil
}

func (s *KeyStore) Put(_ context.Context, record pushkey.DeviceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.Key]; exists {
		return fmt.Errorf("%w: %s", pushkey.ErrKeyExists, record.Key)
	}
	now := s.now()
	record.CreatedAt = now
	record.UpdatedAt = now
	s.records[record.Key] = record
	return nil
}

func (s *KeyStore) Update(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[key]
	if !ok {
		return fmt.Errorf("%w: %s", pushkey.ErrKeyNotFound, key)
	}
	record.Token = token
	record.UpdatedAt = s.now()
	s.records[key] = record
	return nil
}

// Len reports the number of stored records.
func (s *KeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
