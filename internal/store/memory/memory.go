package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/zangezia/backupdesk/pkg/models"
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// New creates an empty memory store.
func New() *Store {
	return &Store{values: make(map[string][]byte)}
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", key, models.ErrNotFound)
	}
	return append([]byte(nil), v...), nil
}

// Set stores a copy of value under key.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = append([]byte(nil), value...)
	return nil
}
