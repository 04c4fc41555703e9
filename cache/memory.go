package cache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type memCacheEntry struct {
	partition string
	entry     CacheEntry
}

// MemCache keeps partitions and entries in process memory.
type MemCache struct {
	mutex      *sync.RWMutex
	partitions *[]string
	db         map[string]memCacheEntry
}

func NewMemCache() MemCache {
	return MemCache{
		mutex:      &sync.RWMutex{},
		partitions: &[]string{},
		db:         make(map[string]memCacheEntry),
	}
}

func (m MemCache) CreatePartition(_ context.Context, name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.indexOf(name) < 0 {
		*m.partitions = append(*m.partitions, name)
	}
	return nil
}

func (m MemCache) Partitions(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, len(*m.partitions))
	copy(names, *m.partitions)
	return names, nil
}

func (m MemCache) HasPartition(_ context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.indexOf(name) >= 0, nil
}

func (m MemCache) DeletePartition(_ context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	i := m.indexOf(name)
	if i < 0 {
		return false, nil
	}
	*m.partitions = append((*m.partitions)[:i], (*m.partitions)[i+1:]...)
	for key, e := range m.db {
		if e.partition == name {
			delete(m.db, key)
		}
	}
	return true, nil
}

func (m MemCache) All(_ context.Context, partition, prefix string) ([]CacheEntry, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entries := make([]CacheEntry, 0)
	for key, e := range m.db {
		if e.partition == partition && strings.HasPrefix(key, prefix) {
			entries = append(entries, e.entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (m MemCache) PutAll(_ context.Context, partition string, entries []CacheEntry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.indexOf(partition) < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, partition)
	}
	for _, ce := range entries {
		m.db[ce.Key] = memCacheEntry{partition: partition, entry: ce}
	}
	return nil
}

func (m MemCache) Purge(_ context.Context, partition, key string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	e, ok := m.db[key]
	if !ok || e.partition != partition {
		return false, nil
	}
	delete(m.db, key)
	return true, nil
}

// indexOf must be called with the mutex held.
func (m MemCache) indexOf(name string) int {
	for i, n := range *m.partitions {
		if n == name {
			return i
		}
	}
	return -1
}
