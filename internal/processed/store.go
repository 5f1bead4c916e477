// Package processed tracks which command fingerprints have already
// been answered, keyed per paper. Stores are only updated after a
// successful publish, giving at-least-once execution semantics.
package processed

import (
	"context"
	"sync"
)

// Store records handled fingerprints per paper.
type Store interface {
	Seen(ctx context.Context, paperID, fingerprint string) (bool, error)
	MarkDone(ctx context.Context, paperID string, fingerprints []string) error
}

// MemoryStore is the in-process store. Its contents are lost on
// restart; stale fingerprints are harmless because an answered
// comment's target content changed, which already invalidates the old
// fingerprint.
type MemoryStore struct {
	mu   sync.RWMutex
	done map[string]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{done: make(map[string]map[string]struct{})}
}

func (s *MemoryStore) Seen(ctx context.Context, paperID, fingerprint string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.done[paperID][fingerprint]
	return ok, nil
}

func (s *MemoryStore) MarkDone(ctx context.Context, paperID string, fingerprints []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.done[paperID]
	if !ok {
		set = make(map[string]struct{})
		s.done[paperID] = set
	}
	for _, fp := range fingerprints {
		set[fp] = struct{}{}
	}
	return nil
}
