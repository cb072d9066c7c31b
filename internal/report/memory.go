package report

import (
	"context"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemorySink keeps recent records in memory for the HTTP API. Records expire
// after ttl; a non-positive ttl keeps them for the lifetime of the process.
type MemorySink struct {
	records *cache.Cache

	mu        sync.RWMutex
	latest    int
	hasLatest bool
	config    map[string]any
}

func NewMemorySink(ttl time.Duration) *MemorySink {
	if ttl <= 0 {
		return &MemorySink{records: cache.New(cache.NoExpiration, 0), config: map[string]any{}}
	}
	return &MemorySink{records: cache.New(ttl, ttl), config: map[string]any{}}
}

func (m *MemorySink) Name() string { return "memory" }

func (m *MemorySink) Log(_ context.Context, iteration int, rec Record) error {
	m.records.SetDefault(strconv.Itoa(iteration), maps.Clone(rec))

	m.mu.Lock()
	if !m.hasLatest || iteration >= m.latest {
		m.latest, m.hasLatest = iteration, true
	}
	m.mu.Unlock()
	return nil
}

func (m *MemorySink) UpdateConfig(_ context.Context, cfg map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	maps.Copy(m.config, cfg)
	return nil
}

func (m *MemorySink) Close() error {
	m.records.Flush()
	return nil
}

// Get returns the record of iteration if it has not expired.
func (m *MemorySink) Get(iteration int) (Record, bool) {
	v, ok := m.records.Get(strconv.Itoa(iteration))
	if !ok {
		return nil, false
	}
	rec, ok := v.(Record)
	if !ok {
		return nil, false
	}
	return maps.Clone(rec), true
}

// Latest returns the highest iteration logged and its record.
func (m *MemorySink) Latest() (int, Record, bool) {
	m.mu.RLock()
	iteration, ok := m.latest, m.hasLatest
	m.mu.RUnlock()
	if !ok {
		return 0, nil, false
	}
	rec, ok := m.Get(iteration)
	return iteration, rec, ok
}

// Config returns a copy of the merged config records.
func (m *MemorySink) Config() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.config)
}

// Len is the number of unexpired records.
func (m *MemorySink) Len() int {
	return m.records.ItemCount()
}
