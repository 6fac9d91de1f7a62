package governance

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/swarm/core/pkg/blob"
	"github.com/Mindburn-Labs/swarm/core/pkg/policy"
)

// BlobDriftSource reads the latest drift digest from the object store at
// drift/<scope>.json. A missing report reads as "no drift".
type BlobDriftSource struct {
	store blob.Store
}

func NewBlobDriftSource(store blob.Store) *BlobDriftSource {
	return &BlobDriftSource{store: store}
}

func (s *BlobDriftSource) Latest(ctx context.Context, scope string) (policy.DriftSnapshot, error) {
	var snap policy.DriftSnapshot
	err := s.store.GetJSON(ctx, blob.PrefixDrift+scope+".json", &snap)
	if errors.Is(err, blob.ErrNotFound) {
		return policy.DriftSnapshot{Level: "none"}, nil
	}
	if err != nil {
		return policy.DriftSnapshot{}, err
	}
	return snap, nil
}

// StaticDriftSource returns a fixed snapshot; used in tests and in scopes
// with no drift worker.
type StaticDriftSource struct {
	Snapshot policy.DriftSnapshot
}

func (s StaticDriftSource) Latest(context.Context, string) (policy.DriftSnapshot, error) {
	return s.Snapshot, nil
}

var _ DriftSource = (*BlobDriftSource)(nil)
var _ DriftSource = StaticDriftSource{}
