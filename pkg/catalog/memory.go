package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/intentd/intentd/pkg/embedding"
	"github.com/intentd/intentd/pkg/models"
)

// MemoryStore is an exact-scan in-memory catalog. It is the development and
// test backend; exact scan stays fast enough below roughly 10k entries.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []models.CatalogEntry
	nextID  int64
}

// NewMemoryStore creates an empty in-memory catalog.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

// Insert stores a single entry and returns its assigned id.
func (s *MemoryStore) Insert(ctx context.Context, entry *models.CatalogEntry) (int64, error) {
	if entry == nil {
		return 0, fmt.Errorf("entry cannot be nil")
	}
	if len(entry.Embedding) == 0 {
		return 0, fmt.Errorf("entry embedding cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *entry
	stored.ID = s.nextID
	s.nextID++
	s.entries = append(s.entries, stored)
	entry.ID = stored.ID
	return stored.ID, nil
}

// InsertBatch stores entries in bulk and returns the number inserted.
func (s *MemoryStore) InsertBatch(ctx context.Context, entries []models.CatalogEntry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range entries {
		if len(entries[i].Embedding) == 0 {
			return 0, fmt.Errorf("entry %d: embedding cannot be empty", i)
		}
	}
	for i := range entries {
		stored := entries[i]
		stored.ID = s.nextID
		s.nextID++
		s.entries = append(s.entries, stored)
	}
	return len(entries), nil
}

// Search scans every entry, scoring by dot product. Vectors are unit-length
// so the dot product is the cosine similarity.
func (s *MemoryStore) Search(ctx context.Context, queryVec []float32, topK int, minSimilarity float64) ([]models.CatalogMatch, error) {
	if len(queryVec) == 0 {
		return nil, fmt.Errorf("query vector cannot be empty")
	}
	if topK <= 0 {
		topK = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]models.CatalogMatch, 0, len(s.entries))
	for i := range s.entries {
		e := &s.entries[i]
		sim := embedding.Similarity(queryVec, e.Embedding)
		matches = append(matches, models.CatalogMatch{
			ID:          e.ID,
			IntentCode:  e.IntentCode,
			Category:    e.Category,
			ExampleText: e.ExampleText,
			Similarity:  sim,
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ID < matches[j].ID
	})

	if len(matches) > topK {
		matches = matches[:topK]
	}
	out := matches[:0]
	for _, m := range matches {
		if m.Similarity >= minSimilarity {
			out = append(out, m)
		}
	}
	return out, nil
}

// CountsByIntent reports how many examples each intent code holds.
func (s *MemoryStore) CountsByIntent(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for i := range s.entries {
		counts[s.entries[i].IntentCode]++
	}
	return counts, nil
}

// DeleteByIntent removes all examples for one intent code.
func (s *MemoryStore) DeleteByIntent(ctx context.Context, intentCode string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	removed := 0
	for i := range s.entries {
		if s.entries[i].IntentCode == intentCode {
			removed++
			continue
		}
		kept = append(kept, s.entries[i])
	}
	s.entries = kept
	return removed, nil
}

// Clear removes every entry.
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = nil
	return nil
}

// Refresh swaps in a fresh entry set under the write lock, so readers see the
// old set until the swap completes.
func (s *MemoryStore) Refresh(ctx context.Context, entries []models.CatalogEntry) error {
	fresh := make([]models.CatalogEntry, len(entries))
	copy(fresh, entries)
	for i := range fresh {
		if len(fresh[i].Embedding) == 0 {
			return fmt.Errorf("entry %d: embedding cannot be empty", i)
		}
		fresh[i].ID = int64(i + 1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = fresh
	s.nextID = int64(len(fresh) + 1)
	return nil
}

// Ping always succeeds for the in-memory backend.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close() error {
	return nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
