// Package budget tracks per-entity spend against category limits. The policy
// engine checks snapshots before allowing an action; the engine records spend
// after a successful execution. Checks fail closed: a storage error reads as
// exhausted, never as headroom.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Snapshot is the spend/allowance view for one entity, category, and period.
// Limit zero means no limit is configured for the category.
type Snapshot struct {
	Entity   string    `json:"entity"`
	Category string    `json:"category"`
	Period   string    `json:"period"`
	Limit    int64     `json:"limit"`
	Used     int64     `json:"used"`
	AsOf     time.Time `json:"as_of"`
}

// Exhausted reports whether the category has no headroom left.
func (s *Snapshot) Exhausted() bool {
	return s.Limit > 0 && s.Used >= s.Limit
}

// Remaining returns the headroom, or -1 when the category is unlimited.
func (s *Snapshot) Remaining() int64 {
	if s.Limit <= 0 {
		return -1
	}
	if s.Used >= s.Limit {
		return 0
	}
	return s.Limit - s.Used
}

// Store persists limits and usage counters.
type Store interface {
	// Snapshot returns the current limit and usage. Unknown
	// entity/category pairs return a zero snapshot, not an error.
	Snapshot(ctx context.Context, entity, category, period string) (*Snapshot, error)

	// SetLimit configures the allowance for an entity and category.
	SetLimit(ctx context.Context, entity, category string, limit int64) error

	// RecordSpend adds amount to the usage counter for the period.
	RecordSpend(ctx context.Context, entity, category, period string, amount int64) error
}

// MemoryStore keeps budgets in process. Used in tests and single-node runs.
type MemoryStore struct {
	mu     sync.RWMutex
	limits map[string]int64
	used   map[string]int64
	clock  func() time.Time
}

// NewMemoryStore creates an empty in-memory budget store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		limits: make(map[string]int64),
		used:   make(map[string]int64),
		clock:  time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (m *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	m.clock = clock
	return m
}

func limitKey(entity, category string) string {
	return entity + "/" + category
}

func usageKey(entity, category, period string) string {
	return entity + "/" + category + "/" + period
}

func (m *MemoryStore) Snapshot(_ context.Context, entity, category, period string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &Snapshot{
		Entity:   entity,
		Category: category,
		Period:   period,
		Limit:    m.limits[limitKey(entity, category)],
		Used:     m.used[usageKey(entity, category, period)],
		AsOf:     m.clock().UTC(),
	}, nil
}

func (m *MemoryStore) SetLimit(_ context.Context, entity, category string, limit int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[limitKey(entity, category)] = limit
	return nil
}

func (m *MemoryStore) RecordSpend(_ context.Context, entity, category, period string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("budget: negative spend %d", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used[usageKey(entity, category, period)] += amount
	return nil
}
