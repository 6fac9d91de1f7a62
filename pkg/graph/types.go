// Package graph implements the scope-partitioned, bitemporal knowledge graph
// and its monotonic upsert discipline. Nodes and edges are never deleted by
// business logic: values are replaced by supersession, stale facts are marked
// irrelevant, and confidence only ratchets upward.
package graph

import (
	"encoding/json"
	"time"
)

// NodeType categorizes a node.
type NodeType string

const (
	NodeClaim         NodeType = "claim"
	NodeGoal          NodeType = "goal"
	NodeRisk          NodeType = "risk"
	NodeAssessment    NodeType = "assessment"
	NodeContradiction NodeType = "contradiction"
)

// NodeStatus is a labelling axis, not a monotone quantity.
type NodeStatus string

const (
	StatusActive     NodeStatus = "active"
	StatusResolved   NodeStatus = "resolved"
	StatusIrrelevant NodeStatus = "irrelevant"
)

// EdgeType categorizes an edge.
type EdgeType string

const (
	EdgeContradicts EdgeType = "contradicts"
	EdgeResolves    EdgeType = "resolves"
)

// Node is one bitemporal row. The "current" view is
// superseded_at IS NULL AND (valid_to IS NULL OR valid_to > now).
type Node struct {
	NodeID       string          `json:"node_id"`
	ScopeID      string          `json:"scope_id"`
	Type         NodeType        `json:"type"`
	Content      string          `json:"content"`
	Confidence   float64         `json:"confidence"`
	Status       NodeStatus      `json:"status"`
	SourceRef    json.RawMessage `json:"source_ref,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedBy    string          `json:"created_by"`
	Version      int             `json:"version"`
	RecordedAt   time.Time       `json:"recorded_at"`
	SupersededAt *time.Time      `json:"superseded_at,omitempty"`
	ValidFrom    *time.Time      `json:"valid_from,omitempty"`
	ValidTo      *time.Time      `json:"valid_to,omitempty"`
	Embedding    []float32       `json:"embedding,omitempty"`
}

// Edge links two nodes. Edges cascade-delete with their source node at the
// storage layer; business logic never deletes them.
type Edge struct {
	EdgeID       string          `json:"edge_id"`
	ScopeID      string          `json:"scope_id"`
	SourceID     string          `json:"source_id"`
	TargetID     string          `json:"target_id"`
	EdgeType     EdgeType        `json:"edge_type"`
	Weight       float64         `json:"weight"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedBy    string          `json:"created_by"`
	RecordedAt   time.Time       `json:"recorded_at"`
	SupersededAt *time.Time      `json:"superseded_at,omitempty"`
	ValidFrom    *time.Time      `json:"valid_from,omitempty"`
	ValidTo      *time.Time      `json:"valid_to,omitempty"`
}

// AsOf selects a time-travel view. Zero values mean "now".
type AsOf struct {
	ValidTime  time.Time
	RecordedAt time.Time
}

// Current reports whether the node belongs to the current bitemporal view.
func (n *Node) Current(now time.Time) bool {
	if n.SupersededAt != nil {
		return false
	}
	if n.ValidTo != nil && !n.ValidTo.After(now) {
		return false
	}
	return true
}
