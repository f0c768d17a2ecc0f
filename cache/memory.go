package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process store with per-entry TTL and a background
// janitor.
type MemoryStore struct {
	data   sync.Map
	config Config
	cancel context.CancelFunc
}

type memoryEntry struct {
	value      []byte
	expiration time.Time
}

// NewMemoryStore creates a memory store and starts its janitor.
func NewMemoryStore(config Config) *MemoryStore {
	ctx, cancel := context.WithCancel(context.Background())
	s := &MemoryStore{config: config, cancel: cancel}
	go s.janitor(ctx)
	return s
}

func (s *MemoryStore) Get(key string) ([]byte, error) {
	v, ok := s.data.Load(key)
	if !ok {
		return nil, missErr(key)
	}
	entry := v.(memoryEntry)
	if !entry.expiration.IsZero() && time.Now().After(entry.expiration) {
		s.data.Delete(key)
		return nil, missErr(key)
	}
	return entry.value, nil
}

func (s *MemoryStore) Set(key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.config.ttl()
	}
	s.data.Store(key, memoryEntry{value: value, expiration: time.Now().Add(ttl)})
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.data.Delete(key)
	return nil
}

func (s *MemoryStore) DeletePrefix(prefix string) error {
	s.data.Range(func(k, _ any) bool {
		if strings.HasPrefix(k.(string), prefix) {
			s.data.Delete(k)
		}
		return true
	})
	return nil
}

func (s *MemoryStore) Close() error {
	s.cancel()
	return nil
}

func (s *MemoryStore) janitor(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			s.data.Range(func(k, v any) bool {
				entry := v.(memoryEntry)
				if !entry.expiration.IsZero() && now.After(entry.expiration) {
					s.data.Delete(k)
				}
				return true
			})
		}
	}
}
