package governance

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// MemoryReviewRegistry is the volatile registry used in tests.
type MemoryReviewRegistry struct {
	mu      sync.Mutex
	reviews map[string]*PendingReview
}

func NewMemoryReviewRegistry() *MemoryReviewRegistry {
	return &MemoryReviewRegistry{reviews: make(map[string]*PendingReview)}
}

func (r *MemoryReviewRegistry) Insert(_ context.Context, rev *PendingReview) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.reviews[rev.ProposalID]; exists {
		return nil
	}
	cp := *rev
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	r.reviews[rev.ProposalID] = &cp
	return nil
}

func (r *MemoryReviewRegistry) InsertTx(ctx context.Context, _ *sql.Tx, rev *PendingReview) error {
	return r.Insert(ctx, rev)
}

func (r *MemoryReviewRegistry) HasPendingForScope(_ context.Context, scope string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rev := range r.reviews {
		if rev.ScopeID == scope && rev.ResolvedAt == nil {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryReviewRegistry) ListPending(_ context.Context, scope string) ([]PendingReview, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PendingReview
	for _, rev := range r.reviews {
		if rev.ScopeID == scope && rev.ResolvedAt == nil {
			out = append(out, *rev)
		}
	}
	return out, nil
}

func (r *MemoryReviewRegistry) Resolve(_ context.Context, proposalID, resolution string) (*PendingReview, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rev, ok := r.reviews[proposalID]
	if !ok || rev.ResolvedAt != nil {
		return nil, ErrReviewNotFound
	}
	now := time.Now().UTC()
	rev.ResolvedAt = &now
	rev.Resolution = resolution
	cp := *rev
	return &cp, nil
}

var _ ReviewRegistry = (*MemoryReviewRegistry)(nil)
