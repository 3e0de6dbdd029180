package store

import (
	"sort"
	"strings"
	"sync"

	"deskpilot/internal/memory"
)

// MemStore is an in-memory ArchivalStore. Used for dry runs and tests
// where no on-disk knowledge base is wanted.
type MemStore struct {
	mu    sync.Mutex
	data  map[string][]byte
	order []string // insertion order, newest last
}

var _ memory.ArchivalStore = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

// Put stores content under id.
func (s *MemStore) Put(id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[id]; !ok {
		s.order = append(s.order, id)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.data[id] = cp
	return nil
}

// Get returns the content for id or memory.ErrNotFound.
func (s *MemStore) Get(id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.data[id]
	if !ok {
		return nil, memory.ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Search returns up to k ids whose content contains query, newest first,
// ties by id for reproducibility.
func (s *MemStore) Search(query string, k int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k <= 0 {
		k = 10
	}
	type hit struct {
		id  string
		pos int // position in insertion order, larger = newer
	}
	var hits []hit
	for pos, id := range s.order {
		if data, ok := s.data[id]; ok && strings.Contains(string(data), query) {
			hits = append(hits, hit{id: id, pos: pos})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].pos != hits[j].pos {
			return hits[i].pos > hits[j].pos
		}
		return hits[i].id < hits[j].id
	})
	ids := make([]string, 0, k)
	for _, h := range hits {
		if len(ids) >= k {
			break
		}
		ids = append(ids, h.id)
	}
	return ids, nil
}

// Delete removes id; missing ids are a no-op.
func (s *MemStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[id]; !ok {
		return nil
	}
	delete(s.data, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Len returns the number of stored items.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
