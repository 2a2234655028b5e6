package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with TTL and size based eviction.
// The oldest entries are evicted first.
type MemoryStore struct {
	mu         sync.RWMutex
	entries    []Entry // Insertion order
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// NewMemoryStore creates a store. ttl <= 0 disables expiry and
// maxEntries <= 0 disables the size limit.
func NewMemoryStore(ttl time.Duration, maxEntries int) *MemoryStore {
	return &MemoryStore{
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (s *MemoryStore) expired(e Entry, now time.Time) bool {
	return s.ttl > 0 && now.Sub(e.CreatedAt) > s.ttl
}

// Query implements Store.
func (s *MemoryStore) Query(ctx context.Context, vec []float32, filter Filter, limit int) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var matches []Match
	for _, e := range s.entries {
		if !e.matches(filter) || s.expired(e, now) {
			continue
		}
		matches = append(matches, Match{Entry: e, Similarity: Cosine(vec, e.Embedding)})
	}
	return rank(matches, limit), nil
}

// Insert implements Store.
func (s *MemoryStore) Insert(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entry.Embedding = append([]float32(nil), entry.Embedding...)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	kept := s.entries[:0]
	for _, e := range s.entries {
		if !s.expired(e, now) {
			kept = append(kept, e)
		}
	}
	s.entries = append(kept, entry)

	if s.maxEntries > 0 && len(s.entries) > s.maxEntries {
		s.entries = append([]Entry(nil), s.entries[len(s.entries)-s.maxEntries:]...)
	}
	return nil
}

// Len returns the number of stored entries, including expired ones not yet evicted.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
