package cache

import (
	"context"
	"sort"
	"sync"
)

type MemStore struct {
	mutex       *sync.RWMutex
	generations map[string]map[string]Entry
}

func NewMemStore() *MemStore {
	return &MemStore{
		mutex:       &sync.RWMutex{},
		generations: make(map[string]map[string]Entry),
	}
}

func (m *MemStore) Open(ctx context.Context, name string) (Generation, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	return memGeneration{store: m, name: name}, nil
}

func (m *MemStore) Delete(ctx context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.generations[name]
	delete(m.generations, name)
	return ok, nil
}

func (m *MemStore) Keys(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.generations))
	for name := range m.generations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

type memGeneration struct {
	store *MemStore
	name  string
}

func (g memGeneration) Name() string {
	return g.name
}

func (g memGeneration) Match(ctx context.Context, key string) (Entry, bool, error) {
	g.store.mutex.RLock()
	defer g.store.mutex.RUnlock()
	entry, ok := g.store.generations[g.name][key]
	if !ok {
		return Entry{}, false, nil
	}
	entry.Bytes = cloneBytes(entry.Bytes)
	return entry, true, nil
}

func (g memGeneration) Put(ctx context.Context, key string, entry Entry) error {
	g.store.mutex.Lock()
	defer g.store.mutex.Unlock()
	entries, ok := g.store.generations[g.name]
	if !ok {
		entries = make(map[string]Entry)
		g.store.generations[g.name] = entries
	}
	entry.Key = key
	entry.Bytes = cloneBytes(entry.Bytes)
	entries[key] = entry
	return nil
}

func (g memGeneration) Entries(ctx context.Context) ([]string, error) {
	g.store.mutex.RLock()
	defer g.store.mutex.RUnlock()
	keys := make([]string, 0, len(g.store.generations[g.name]))
	for key := range g.store.generations[g.name] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
