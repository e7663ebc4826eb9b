package cache

import (
	"sync"
	"time"
)

type memPartition struct {
	entries map[string]CacheEntry
}

// MemCache is an in-memory CacheProvider.
// The zero value is not usable, create one with NewMemCache.
type MemCache struct {
	mutex *sync.RWMutex
	// partition names in creation order
	order []string
	db    map[string]*memPartition
}

func NewMemCache() *MemCache {
	return &MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]*memPartition),
	}
}

// open must be called with the write lock held.
func (m *MemCache) open(partition string) *memPartition {
	p, ok := m.db[partition]
	if !ok {
		p = &memPartition{entries: make(map[string]CacheEntry)}
		m.db[partition] = p
		m.order = append(m.order, partition)
	}
	return p
}

func (m *MemCache) Open(partition string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.open(partition)
	return nil
}

func (m *MemCache) Partitions() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	return names, nil
}

func (m *MemCache) DeletePartition(partition string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.db[partition]; !ok {
		return false, nil
	}
	delete(m.db, partition)
	for i, name := range m.order {
		if name == partition {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemCache) Get(partition, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	p, ok := m.db[partition]
	if !ok {
		return nil, false, nil
	}
	entry, ok := p.entries[key]
	if !ok {
		return nil, false, nil
	}
	return entry.Bytes, true, nil
}

func (m *MemCache) Match(key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, name := range m.order {
		if entry, ok := m.db[name].entries[key]; ok {
			return entry.Bytes, true, nil
		}
	}
	return nil, false, nil
}

func (m *MemCache) Put(partition, key string, bytes []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.open(partition).entries[key] = CacheEntry{
		Key:      key,
		StoredAt: time.Now(),
		Bytes:    bytes,
	}
	return nil
}

func (m *MemCache) PutAll(partition string, entries []CacheEntry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	p := m.open(partition)
	now := time.Now()
	for _, entry := range entries {
		if entry.StoredAt.IsZero() {
			entry.StoredAt = now
		}
		p.entries[entry.Key] = entry
	}
	return nil
}

func (m *MemCache) Keys(partition string, cb func(string)) error {
	m.mutex.RLock()
	p, ok := m.db[partition]
	if !ok {
		m.mutex.RUnlock()
		return ErrPartitionNotFound
	}
	keys := make([]string, 0, len(p.entries))
	for key := range p.entries {
		keys = append(keys, key)
	}
	m.mutex.RUnlock()
	// callback runs without the lock so it may call back into the cache
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (m *MemCache) Has(partition, key string) bool {
	_, ok, _ := m.Get(partition, key)
	return ok
}
