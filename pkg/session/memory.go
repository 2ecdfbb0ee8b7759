package session

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

const lockStripes = 64

// MemoryStore keeps session values in process memory. Suitable for a single
// instance deployment and for tests.
type MemoryStore struct {
	cache *cache.Cache
	locks [lockStripes]sync.Mutex
}

// NewMemoryStore creates a MemoryStore. defaultTTL applies when Set or Update
// is called with a zero ttl; cleanupInterval controls how often expired values
// are purged.
func NewMemoryStore(defaultTTL, cleanupInterval time.Duration) *MemoryStore {
	return &MemoryStore{
		cache: cache.New(defaultTTL, cleanupInterval),
	}
}

func (s *MemoryStore) lockFor(k string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(k))
	return &s.locks[h.Sum32()%lockStripes]
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return cache.DefaultExpiration
	}
	return ttl
}

func (s *MemoryStore) Get(_ context.Context, sessionID, key string) ([]byte, error) {
	v, ok := s.cache.Get(compositeKey(sessionID, key))
	if !ok {
		return nil, ErrNotFound
	}
	b := v.([]byte)
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (s *MemoryStore) Set(_ context.Context, sessionID, key string, value []byte, ttl time.Duration) error {
	k := compositeKey(sessionID, key)
	mu := s.lockFor(k)
	mu.Lock()
	defer mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	s.cache.Set(k, stored, ttlOrDefault(ttl))
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, sessionID, key string) error {
	k := compositeKey(sessionID, key)
	mu := s.lockFor(k)
	mu.Lock()
	defer mu.Unlock()

	s.cache.Delete(k)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, sessionID, key string, ttl time.Duration, fn UpdateFunc) error {
	k := compositeKey(sessionID, key)
	mu := s.lockFor(k)
	mu.Lock()
	defer mu.Unlock()

	var current []byte
	if v, ok := s.cache.Get(k); ok {
		current = v.([]byte)
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		s.cache.Delete(k)
		return nil
	}
	s.cache.Set(k, next, ttlOrDefault(ttl))
	return nil
}
