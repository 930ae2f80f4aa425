// Package availability caches provider day schedules fetched from the
// calendar records system. The cache trades freshness for availability:
// short TTL, stale fallback when the downstream is unreachable, and a
// hard age bound enforced by a background sweep.
package availability

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/veridianhealth/scheduling-engine/internal/schedule"
)

// Entry is one cached day schedule plus its fetch timestamp.
type Entry struct {
	Schedule  *schedule.DaySchedule `json:"schedule"`
	FetchedAt time.Time             `json:"fetched_at"`
}

// Store is the cache backend. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the entry for key, ok=false on a miss.
	Get(ctx context.Context, key string) (Entry, bool, error)

	// Set stores an entry under key.
	Set(ctx context.Context, key string, e Entry) error

	// Delete removes one entry; missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// DeleteByProvider removes every entry for one provider.
	DeleteByProvider(ctx context.Context, providerID string) error

	// DeleteOlderThan removes entries fetched before cutoff and
	// returns how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

const keySeparator = "|"

// cacheKey builds the (provider, date) cache key.
func cacheKey(providerID string, date time.Time) string {
	return providerID + keySeparator + schedule.DateKey(date)
}

func keyProvider(key string) string {
	idx := strings.LastIndex(key, keySeparator)
	if idx < 0 {
		return key
	}
	return key[:idx]
}

// MemoryStore is the default in-process backend: an RWMutex-guarded map.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = e
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) DeleteByProvider(_ context.Context, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.entries {
		if keyProvider(key) == providerID {
			delete(s.entries, key)
		}
	}
	return nil
}

func (s *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, e := range s.entries {
		if e.FetchedAt.Before(cutoff) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of cached entries; used by tests and the
// sweeper log line.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
