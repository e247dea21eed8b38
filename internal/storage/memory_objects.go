package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/onexay/commitvault/internal/clock"
	"github.com/onexay/commitvault/internal/faults"
)

type memoryRecord struct {
	value    []byte
	deadline time.Time
}

// MemoryObjects is a map-backed ObjectStore and KV used for testing.
type MemoryObjects struct {
	mu        sync.RWMutex
	objects   map[string][]byte
	written   map[string]time.Time
	records   map[string]memoryRecord
	lifecycle int
	clock     clock.Clock

	opens    int
	releases int
}

// NewMemoryObjects constructs an in-memory object store.
func NewMemoryObjects(clk clock.Clock) *MemoryObjects {
	return &MemoryObjects{
		objects: make(map[string][]byte),
		written: make(map[string]time.Time),
		records: make(map[string]memoryRecord),
		clock:   clock.OrReal(clk),
	}
}

func (m *MemoryObjects) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++
	return nil
}

func (m *MemoryObjects) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
	return nil
}

// Sessions reports how many sessions were opened and released.
func (m *MemoryObjects) Sessions() (opens, releases int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opens, m.releases
}

func (m *MemoryObjects) Put(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte{}, data...)
	m.written[key] = m.clock.Now()
	return nil
}

func (m *MemoryObjects) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, &NotFoundError{Resource: "object", Key: key}
	}
	return append([]byte{}, data...), nil
}

func (m *MemoryObjects) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	delete(m.written, key)
	return nil
}

func (m *MemoryObjects) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryObjects) ListBefore(ctx context.Context, prefix string, t time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k, at := range m.written {
		if strings.HasPrefix(k, prefix) && at.Before(t) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Mutate applies fn to the stored bytes at key in place. Tests use it to
// simulate corruption.
func (m *MemoryObjects) Mutate(key string, fn func([]byte) []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return false
	}
	m.objects[key] = fn(data)
	return true
}

func (m *MemoryObjects) SetLifecycle(ctx context.Context, days int) error {
	if days < 0 {
		return &faults.ConfigurationError{Message: "lifecycle days must not be negative"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lifecycle = days
	return nil
}

func (m *MemoryObjects) Lifecycle(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lifecycle, nil
}

func (m *MemoryObjects) PutTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	rec := memoryRecord{value: append([]byte{}, value...)}
	if ttl > 0 {
		rec.deadline = m.clock.Now().Add(ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = rec
	return nil
}

func (m *MemoryObjects) GetLive(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, nil
	}
	if !rec.deadline.IsZero() && !m.clock.Now().Before(rec.deadline) {
		return nil, nil
	}
	return append([]byte{}, rec.value...), nil
}

func (m *MemoryObjects) Close() error { return nil }
