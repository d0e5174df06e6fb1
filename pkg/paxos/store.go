package paxos

import (
	"sort"
	"sync"
)

// Store is the durable key-value store learners write committed values to.
// Set must not return before the value is durably stored.
type Store interface {
	Get(string) (string, bool)
	Set(string, string) error
	Keys() []string
}

type MemoryStore struct {
	entries map[string]string

	mu sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]string),
	}
}

func (s *MemoryStore) Get(key string) (string, bool) {
	s.mu.RLock()
	value, found := s.entries[key]
	s.mu.RUnlock()

	return value, found
}

func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	s.entries[key] = value
	s.mu.Unlock()

	return nil
}

func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	s.mu.RUnlock()

	sort.Strings(keys)

	return keys
}
