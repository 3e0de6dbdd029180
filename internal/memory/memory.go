// Package memory implements the two-tier context manager: an active
// window bounded by a byte budget, backed by an unbounded archival store.
// Items page between tiers under a composite LRU+priority score so the
// prompt window stays under budget while old information stays reachable.
package memory

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"deskpilot/internal/logging"
)

// Priority bounds. Higher priority items survive paging longer.
const (
	MinPriority = 0
	MaxPriority = 10
)

// Item is one unit of pageable context. An item lives in exactly one
// tier at a time; ids are unique across both tiers.
type Item struct {
	ID          string    `json:"id"`
	Content     []byte    `json:"content"`
	Priority    int       `json:"priority"`
	Size        int       `json:"size"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastAccess  time.Time `json:"last_access"`
	AccessCount int       `json:"access_count"`
}

// ArchivalStore is the persistence contract for the archival tier. Any
// key-value store with substring search satisfies it; operations must be
// atomic per key.
type ArchivalStore interface {
	Put(id string, data []byte) error
	Get(id string) ([]byte, error)
	Search(query string, k int) ([]string, error)
	Delete(id string) error
}

// ErrNotFound is returned by ArchivalStore.Get for a missing id.
var ErrNotFound = fmt.Errorf("memory: item not found")

// storedItem is the archival wire form of an Item. Content is a plain
// string so the store's substring search matches the text itself; a
// []byte field would be base64-encoded by encoding/json and never
// match a content keyword.
type storedItem struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	Priority    int       `json:"priority"`
	Size        int       `json:"size"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastAccess  time.Time `json:"last_access"`
	AccessCount int       `json:"access_count"`
}

func toStored(item *Item) storedItem {
	return storedItem{
		ID:          item.ID,
		Content:     string(item.Content),
		Priority:    item.Priority,
		Size:        item.Size,
		Tags:        item.Tags,
		CreatedAt:   item.CreatedAt,
		LastAccess:  item.LastAccess,
		AccessCount: item.AccessCount,
	}
}

func (s storedItem) toItem() Item {
	return Item{
		ID:          s.ID,
		Content:     []byte(s.Content),
		Priority:    s.Priority,
		Size:        s.Size,
		Tags:        s.Tags,
		CreatedAt:   s.CreatedAt,
		LastAccess:  s.LastAccess,
		AccessCount: s.AccessCount,
	}
}

// Stats is a snapshot of tier usage and paging counters.
type Stats struct {
	ActiveItems  int   `json:"active_items"`
	ActiveBytes  int   `json:"active_bytes"`
	BudgetBytes  int   `json:"budget_bytes"`
	PageIns      int64 `json:"page_ins"`
	PageOuts     int64 `json:"page_outs"`
	ActiveHits   int64 `json:"active_hits"`
	ActiveMisses int64 `json:"active_misses"`
}

// Manager owns the active tier and drives paging against the archival
// store. One logical owner per worker; concurrent workers get their own
// Manager over a shared store.
type Manager struct {
	mu     sync.Mutex
	budget int
	wLRU   float64
	wPri   float64
	active map[string]*Item
	order  []string // insertion order, for prompt assembly
	usage  int
	store  ArchivalStore
	now    func() time.Time
	stats  Stats
}

// Option configures a Manager.
type Option func(*Manager)

// WithWeights overrides the eviction score weights.
func WithWeights(wLRU, wPri float64) Option {
	return func(m *Manager) {
		m.wLRU = wLRU
		m.wPri = wPri
	}
}

// WithClock replaces the time source; tests use this for deterministic
// recency.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager with the given active budget in bytes.
func NewManager(budget int, store ArchivalStore, opts ...Option) *Manager {
	m := &Manager{
		budget: budget,
		wLRU:   0.5,
		wPri:   0.5,
		active: make(map[string]*Item),
		store:  store,
		now:    time.Now,
	}
	m.stats.BudgetBytes = budget
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddToActive inserts content into the active tier, eagerly paging out
// victims until the item fits. An item larger than the whole budget is
// rejected. Re-adding an existing id replaces its content in place.
func (m *Manager) AddToActive(id string, content []byte, priority int, tags ...string) error {
	if priority < MinPriority {
		priority = MinPriority
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}
	size := len(content)
	if size > m.budget {
		return fmt.Errorf("memory: item %q (%d bytes) exceeds active budget (%d bytes)", id, size, m.budget)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	// Each id lives in exactly one tier; pulling it into active removes
	// any archival copy.
	if _, ok := m.active[id]; !ok {
		_ = m.store.Delete(id)
	}

	if old, ok := m.active[id]; ok {
		m.usage -= old.Size
		m.removeFromOrder(id)
	}

	if err := m.evictUntilFitsLocked(size, id); err != nil {
		return err
	}

	item := &Item{
		ID:         id,
		Content:    content,
		Priority:   priority,
		Size:       size,
		Tags:       tags,
		CreatedAt:  now,
		LastAccess: now,
	}
	m.active[id] = item
	m.order = append(m.order, id)
	m.usage += size
	return nil
}

// Get returns an active item's content and records the access. ok=false
// when the id is not active (it may still be archival).
func (m *Manager) Get(id string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.active[id]
	if !ok {
		m.stats.ActiveMisses++
		return nil, false
	}
	item.AccessCount++
	item.LastAccess = m.now()
	m.stats.ActiveHits++
	return item.Content, true
}

// PageOut moves the given ids from active to archival, preserving
// content. Unknown ids are skipped. The archival write happens before the
// active removal, so an error leaves the item active and the tiers
// consistent.
func (m *Manager) PageOut(ids ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pageOutLocked(ids)
}

func (m *Manager) pageOutLocked(ids []string) (int, error) {
	count := 0
	for _, id := range ids {
		item, ok := m.active[id]
		if !ok {
			continue
		}
		data, err := json.Marshal(toStored(item))
		if err != nil {
			return count, fmt.Errorf("memory: marshal item %q: %w", id, err)
		}
		if err := m.store.Put(id, data); err != nil {
			return count, fmt.Errorf("memory: page out %q: %w", id, err)
		}
		m.usage -= item.Size
		delete(m.active, id)
		m.removeFromOrder(id)
		count++
		m.stats.PageOuts++
	}
	if count > 0 {
		logging.Get(logging.CategoryMemory).Debugw("paged out", "count", count, "usage", m.usage)
	}
	return count, nil
}

// PageInByID moves the given ids from archival back to active, evicting
// as needed. Missing ids are skipped.
func (m *Manager) PageInByID(ids ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, id := range ids {
		if _, ok := m.active[id]; ok {
			continue
		}
		data, err := m.store.Get(id)
		if err != nil {
			continue
		}
		var stored storedItem
		if err := json.Unmarshal(data, &stored); err != nil {
			return count, fmt.Errorf("memory: unmarshal item %q: %w", id, err)
		}
		item := stored.toItem()
		if item.Size > m.budget {
			return count, fmt.Errorf("memory: item %q (%d bytes) exceeds active budget", id, item.Size)
		}
		if err := m.evictUntilFitsLocked(item.Size, id); err != nil {
			return count, err
		}
		if err := m.store.Delete(id); err != nil {
			return count, fmt.Errorf("memory: page in %q: %w", id, err)
		}
		item.LastAccess = m.now()
		m.active[id] = &item
		m.order = append(m.order, id)
		m.usage += item.Size
		count++
		m.stats.PageIns++
	}
	return count, nil
}

// SearchAndPageIn locates up to k archival items matching the query and
// pages them into active. Returns the ids paged in.
func (m *Manager) SearchAndPageIn(query string, k int) ([]string, error) {
	ids, err := m.store.Search(query, k)
	if err != nil {
		return nil, fmt.Errorf("memory: search %q: %w", query, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	paged := make([]string, 0, len(ids))
	for _, id := range ids {
		n, err := m.PageInByID(id)
		if err != nil {
			return paged, err
		}
		if n > 0 {
			paged = append(paged, id)
		}
	}
	return paged, nil
}

// ReadActive returns the active items in insertion order, ready for
// prompt assembly.
func (m *Manager) ReadActive() []*Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Item, 0, len(m.order))
	for _, id := range m.order {
		if item, ok := m.active[id]; ok {
			cp := *item
			out = append(out, &cp)
		}
	}
	return out
}

// Stats returns a snapshot of tier usage and paging counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.ActiveItems = len(m.active)
	s.ActiveBytes = m.usage
	return s
}

// evictUntilFitsLocked pages out the highest-scoring victims until
// incomingSize fits under the budget. incomingID is excluded from the
// victim set during a replace.
func (m *Manager) evictUntilFitsLocked(incomingSize int, incomingID string) error {
	for m.usage+incomingSize > m.budget {
		victim := m.selectVictimLocked(incomingID)
		if victim == "" {
			return fmt.Errorf("memory: cannot fit %d bytes under budget %d", incomingSize, m.budget)
		}
		if _, err := m.pageOutLocked([]string{victim}); err != nil {
			return err
		}
	}
	return nil
}

// selectVictimLocked picks the next page-out victim by composite score:
// score = wLRU*normalized_recency + wPri*(1 - priority/10), highest
// first, ties by oldest last access, then id lexicographically. The
// order is total, so paging is reproducible.
func (m *Manager) selectVictimLocked(excludeID string) string {
	type scored struct {
		id    string
		score float64
		item  *Item
	}

	candidates := make([]scored, 0, len(m.active))
	var oldest, newest time.Time
	first := true
	for id, item := range m.active {
		if id == excludeID {
			continue
		}
		if first {
			oldest, newest = item.LastAccess, item.LastAccess
			first = false
			continue
		}
		if item.LastAccess.Before(oldest) {
			oldest = item.LastAccess
		}
		if item.LastAccess.After(newest) {
			newest = item.LastAccess
		}
	}
	span := newest.Sub(oldest)

	for id, item := range m.active {
		if id == excludeID {
			continue
		}
		recency := 1.0 // single item or identical timestamps: fully stale
		if span > 0 {
			// Least recently used scores 1, most recent scores 0.
			recency = float64(newest.Sub(item.LastAccess)) / float64(span)
		}
		score := m.wLRU*recency + m.wPri*(1.0-float64(item.Priority)/float64(MaxPriority))
		candidates = append(candidates, scored{id: id, score: score, item: item})
	}
	if len(candidates) == 0 {
		return ""
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.item.LastAccess.Equal(b.item.LastAccess) {
			return a.item.LastAccess.Before(b.item.LastAccess)
		}
		return strings.Compare(a.id, b.id) < 0
	})
	return candidates[0].id
}

func (m *Manager) removeFromOrder(id string) {
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}
