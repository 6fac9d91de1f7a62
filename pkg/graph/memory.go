package graph

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the volatile graph used in tests and single-process runs.
// Semantics mirror PostgresStore exactly, including the monotone confidence
// rule and append-over-update supersession.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes []*Node
	edges []*Edge
	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{clock: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) AppendNode(_ context.Context, n *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendNodeLocked(n)
}

func (s *MemoryStore) appendNodeLocked(n *Node) error {
	cp := *n
	if cp.RecordedAt.IsZero() {
		cp.RecordedAt = s.clock().UTC()
	}
	if cp.Version == 0 {
		cp.Version = 1
	}
	if cp.Status == "" {
		cp.Status = StatusActive
	}
	s.nodes = append(s.nodes, &cp)
	return nil
}

func (s *MemoryStore) findLocked(nodeID string) *Node {
	for _, n := range s.nodes {
		if n.NodeID == nodeID && n.SupersededAt == nil {
			return n
		}
	}
	return nil
}

func (s *MemoryStore) UpdateConfidence(_ context.Context, nodeID string, confidence float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.findLocked(nodeID)
	if n == nil {
		return ErrNodeNotFound
	}
	if confidence < n.Confidence {
		return ErrConfidenceRegression
	}
	n.Confidence = confidence
	n.Version++
	return nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, nodeID string, status NodeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.findLocked(nodeID)
	if n == nil {
		return ErrNodeNotFound
	}
	n.Status = status
	n.Version++
	return nil
}

func (s *MemoryStore) SupersedeNode(_ context.Context, oldNodeID string, replacement *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.findLocked(oldNodeID)
	if old == nil {
		return ErrNodeNotFound
	}
	now := s.clock().UTC()
	old.SupersededAt = &now
	replacement.Version = old.Version + 1
	return s.appendNodeLocked(replacement)
}

func (s *MemoryStore) CurrentNodes(_ context.Context, scope string, types ...NodeType) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentNodesLocked(scope, types...), nil
}

func (s *MemoryStore) currentNodesLocked(scope string, types ...NodeType) []Node {
	now := s.clock().UTC()
	var out []Node
	for _, n := range s.nodes {
		if n.ScopeID != scope || !n.Current(now) {
			continue
		}
		if len(types) > 0 && !containsType(types, n.Type) {
			continue
		}
		out = append(out, *n)
	}
	return out
}

func (s *MemoryStore) NodesAsOf(_ context.Context, scope string, asOf AsOf, types ...NodeType) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	validAt := asOf.ValidTime
	if validAt.IsZero() {
		validAt = s.clock().UTC()
	}
	recordedAt := asOf.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = s.clock().UTC()
	}
	var out []Node
	for _, n := range s.nodes {
		if n.ScopeID != scope {
			continue
		}
		if len(types) > 0 && !containsType(types, n.Type) {
			continue
		}
		if n.RecordedAt.After(recordedAt) {
			continue
		}
		if n.SupersededAt != nil && !n.SupersededAt.After(recordedAt) {
			continue
		}
		if n.ValidFrom != nil && n.ValidFrom.After(validAt) {
			continue
		}
		if n.ValidTo != nil && !n.ValidTo.After(validAt) {
			continue
		}
		out = append(out, *n)
	}
	return out, nil
}

func (s *MemoryStore) AppendEdge(_ context.Context, e *Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendEdgeLocked(e)
}

func (s *MemoryStore) appendEdgeLocked(e *Edge) error {
	cp := *e
	if cp.RecordedAt.IsZero() {
		cp.RecordedAt = s.clock().UTC()
	}
	s.edges = append(s.edges, &cp)
	return nil
}

func (s *MemoryStore) CurrentEdges(_ context.Context, scope string, types ...EdgeType) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentEdgesLocked(scope, types...), nil
}

func (s *MemoryStore) currentEdgesLocked(scope string, types ...EdgeType) []Edge {
	var out []Edge
	for _, e := range s.edges {
		if e.ScopeID != scope || e.SupersededAt != nil {
			continue
		}
		if len(types) > 0 && !containsEdgeType(types, e.EdgeType) {
			continue
		}
		out = append(out, *e)
	}
	return out
}

func (s *MemoryStore) HasResolvesTargeting(_ context.Context, scope, nodeID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasResolvesLocked(scope, nodeID), nil
}

func (s *MemoryStore) hasResolvesLocked(scope, nodeID string) bool {
	for _, e := range s.edges {
		if e.ScopeID == scope && e.EdgeType == EdgeResolves && e.TargetID == nodeID && e.SupersededAt == nil {
			return true
		}
	}
	return false
}

// FactsSync runs the sync algorithm under the store lock, which gives the
// single-transaction guarantee for the in-memory case.
func (s *MemoryStore) FactsSync(ctx context.Context, scope, createdBy string, batch FactsBatch) (SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return runSync(ctx, (*memoryOps)(s), scope, createdBy, batch)
}

func (s *MemoryStore) Aggregates(_ context.Context, scope string) (Aggregates, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return computeAggregates(s.currentNodesLocked(scope), s.currentEdgesLocked(scope)), nil
}

// memoryOps adapts the already-locked store to syncOps.
type memoryOps MemoryStore

func (o *memoryOps) factNodes(_ context.Context, scope string) ([]Node, error) {
	return (*MemoryStore)(o).currentNodesLocked(scope, NodeClaim, NodeGoal, NodeRisk), nil
}

func (o *memoryOps) insertNode(_ context.Context, n *Node) error {
	return (*MemoryStore)(o).appendNodeLocked(n)
}

func (o *memoryOps) setConfidence(_ context.Context, nodeID string, confidence float64) error {
	s := (*MemoryStore)(o)
	n := s.findLocked(nodeID)
	if n == nil {
		return ErrNodeNotFound
	}
	if confidence < n.Confidence {
		return ErrConfidenceRegression
	}
	n.Confidence = confidence
	n.Version++
	return nil
}

func (o *memoryOps) setStatus(_ context.Context, nodeID string, status NodeStatus) error {
	s := (*MemoryStore)(o)
	n := s.findLocked(nodeID)
	if n == nil {
		return ErrNodeNotFound
	}
	n.Status = status
	n.Version++
	return nil
}

func (o *memoryOps) insertEdge(_ context.Context, e *Edge) error {
	return (*MemoryStore)(o).appendEdgeLocked(e)
}

func (o *memoryOps) resolvesTargets(_ context.Context, scope, nodeID string) (bool, error) {
	return (*MemoryStore)(o).hasResolvesLocked(scope, nodeID), nil
}

func (o *memoryOps) hasContradiction(_ context.Context, scope, a, b string) (bool, error) {
	for _, e := range (*MemoryStore)(o).edges {
		if e.ScopeID != scope || e.EdgeType != EdgeContradicts || e.SupersededAt != nil {
			continue
		}
		if (e.SourceID == a && e.TargetID == b) || (e.SourceID == b && e.TargetID == a) {
			return true, nil
		}
	}
	return false, nil
}

func containsType(types []NodeType, t NodeType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func containsEdgeType(types []EdgeType, t EdgeType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
