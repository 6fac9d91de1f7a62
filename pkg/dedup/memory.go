package dedup

import (
	"context"
	"sync"
)

// MemoryRegistry is a volatile registry for tests and single-process dev
// runs. Semantics match PostgresRegistry.
type MemoryRegistry struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{seen: make(map[string]struct{})}
}

func (r *MemoryRegistry) key(consumer, messageID string) string {
	return consumer + "\x00" + messageID
}

func (r *MemoryRegistry) TryMarkProcessed(_ context.Context, consumer, messageID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := r.key(consumer, messageID)
	if _, ok := r.seen[k]; ok {
		return false, nil
	}
	r.seen[k] = struct{}{}
	return true, nil
}

func (r *MemoryRegistry) IsProcessed(_ context.Context, consumer, messageID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[r.key(consumer, messageID)]
	return ok, nil
}

func (r *MemoryRegistry) MarkProcessed(_ context.Context, consumer, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[r.key(consumer, messageID)] = struct{}{}
	return nil
}

func (r *MemoryRegistry) Unmark(_ context.Context, consumer, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.seen, r.key(consumer, messageID))
	return nil
}

var _ Registry = (*MemoryRegistry)(nil)
