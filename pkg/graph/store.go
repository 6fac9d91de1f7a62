package graph

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNodeNotFound         = errors.New("graph: node not found")
	ErrConfidenceRegression = errors.New("graph: confidence regression rejected")
)

// Store is the knowledge-graph contract shared by the in-memory and
// Postgres implementations.
type Store interface {
	// AppendNode inserts a new node row with the current recorded_at.
	AppendNode(ctx context.Context, n *Node) error
	// UpdateConfidence ratchets confidence upward; a lower value returns
	// ErrConfidenceRegression.
	UpdateConfidence(ctx context.Context, nodeID string, confidence float64) error
	// UpdateStatus relabels a node. Status is not monotone.
	UpdateStatus(ctx context.Context, nodeID string, status NodeStatus) error
	// SupersedeNode closes the old row and appends the replacement in one
	// operation.
	SupersedeNode(ctx context.Context, oldNodeID string, replacement *Node) error

	// CurrentNodes returns the current bitemporal view for a scope,
	// optionally filtered by type.
	CurrentNodes(ctx context.Context, scope string, types ...NodeType) ([]Node, error)
	// NodesAsOf is the time-travel read.
	NodesAsOf(ctx context.Context, scope string, asOf AsOf, types ...NodeType) ([]Node, error)

	AppendEdge(ctx context.Context, e *Edge) error
	CurrentEdges(ctx context.Context, scope string, types ...EdgeType) ([]Edge, error)
	// HasResolvesTargeting reports whether any current resolves edge targets
	// the node.
	HasResolvesTargeting(ctx context.Context, scope, nodeID string) (bool, error)

	// FactsSync applies one extraction round atomically.
	FactsSync(ctx context.Context, scope, createdBy string, batch FactsBatch) (SyncResult, error)

	// Aggregates computes the raw numbers the finality evaluator scores.
	Aggregates(ctx context.Context, scope string) (Aggregates, error)
}

// Aggregates are scoped counts over the current view.
type Aggregates struct {
	ClaimsActiveCount        int     `json:"claims_active_count"`
	ClaimsMinConfidence      float64 `json:"claims_active_min_conf"`
	ClaimsAvgConfidence      float64 `json:"claims_active_avg_conf"`
	ContradictionsTotal      int     `json:"contradictions_total"`
	ContradictionsUnresolved int     `json:"contradictions_unresolved"`
	RisksCriticalActiveCount int     `json:"risks_critical_active_count"`
	GoalsTotal               int     `json:"goals_total"`
	GoalsResolved            int     `json:"goals_resolved"`
	GoalsCompletionRatio     float64 `json:"goals_completion_ratio"`
	ScopeRiskScore           float64 `json:"scope_risk_score"`
	ContradictionMass        float64 `json:"contradiction_mass"`
	EvidenceCoverage         float64 `json:"evidence_coverage"`
}

// severityWeight maps a risk's metadata severity to its contribution to the
// scope risk score.
func severityWeight(metadata []byte) float64 {
	m := string(metadata)
	switch {
	case strings.Contains(m, `"critical"`):
		return 1.0
	case strings.Contains(m, `"high"`):
		return 0.5
	case strings.Contains(m, `"medium"`):
		return 0.25
	default:
		return 0.1
	}
}

// computeAggregates derives the snapshot numbers from a loaded current view.
// Shared by both store implementations so the scoring semantics cannot drift.
func computeAggregates(nodes []Node, edges []Edge) Aggregates {
	var agg Aggregates

	resolvedTargets := map[string]bool{}
	for _, e := range edges {
		if e.EdgeType == EdgeResolves && e.SupersededAt == nil {
			resolvedTargets[e.TargetID] = true
		}
	}

	var confSum float64
	for _, n := range nodes {
		switch n.Type {
		case NodeClaim:
			if n.Status == StatusActive {
				agg.ClaimsActiveCount++
				confSum += n.Confidence
				if agg.ClaimsActiveCount == 1 || n.Confidence < agg.ClaimsMinConfidence {
					agg.ClaimsMinConfidence = n.Confidence
				}
				if len(n.SourceRef) > 0 && string(n.SourceRef) != "null" {
					agg.EvidenceCoverage++
				}
			}
		case NodeGoal:
			agg.GoalsTotal++
			if n.Status == StatusResolved {
				agg.GoalsResolved++
			}
		case NodeRisk:
			if n.Status == StatusActive {
				w := severityWeight(n.Metadata)
				agg.ScopeRiskScore += w
				if w >= 1.0 {
					agg.RisksCriticalActiveCount++
				}
			}
		}
	}

	for _, e := range edges {
		if e.EdgeType != EdgeContradicts || e.SupersededAt != nil {
			continue
		}
		agg.ContradictionsTotal++
		if !resolvedTargets[e.SourceID] && !resolvedTargets[e.TargetID] {
			agg.ContradictionsUnresolved++
		}
	}

	if agg.ClaimsActiveCount > 0 {
		agg.ClaimsAvgConfidence = confSum / float64(agg.ClaimsActiveCount)
		agg.EvidenceCoverage /= float64(agg.ClaimsActiveCount)
	}
	if agg.GoalsTotal > 0 {
		agg.GoalsCompletionRatio = float64(agg.GoalsResolved) / float64(agg.GoalsTotal)
	}
	if agg.ContradictionsTotal > 0 {
		agg.ContradictionMass = float64(agg.ContradictionsUnresolved) / float64(agg.ContradictionsTotal)
	}
	if agg.ScopeRiskScore > 1 {
		agg.ScopeRiskScore = 1
	}
	return agg
}
