package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore is the volatile Store for tests and local runs.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) PutJSON(_ context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("blob: marshal %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = data
	return nil
}

func (s *MemoryStore) GetJSON(_ context.Context, key string, v any) error {
	s.mu.RLock()
	data, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("blob: decode %s: %w", key, err)
	}
	return nil
}

func (s *MemoryStore) PutText(_ context.Context, key, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = []byte(text)
	return nil
}

func (s *MemoryStore) GetText(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return "", ErrNotFound
	}
	return string(data), nil
}

var _ Store = (*MemoryStore)(nil)
