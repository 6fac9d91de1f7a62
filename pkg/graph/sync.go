package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IncomingFact is one extracted fact proposed for the graph.
type IncomingFact struct {
	Content    string          `json:"content"`
	Confidence float64         `json:"confidence"`
	SourceRef  json.RawMessage `json:"source_ref,omitempty"`
}

// FactsBatch is one round of extraction output for a scope.
type FactsBatch struct {
	Claims         []IncomingFact `json:"claims"`
	Goals          []IncomingFact `json:"goals"`
	Risks          []IncomingFact `json:"risks"`
	Contradictions []string       `json:"contradictions"`
}

// SyncResult summarizes what a facts-sync round changed.
type SyncResult struct {
	Inserted     int
	Updated      int
	Reactivated  int
	MarkedStale  int
	EdgesAdded   int
	EdgesSkipped int
}

// syncOps is the slice of store behavior the sync algorithm needs. Both the
// in-memory store and a Postgres transaction satisfy it, so the algorithm
// runs identically in tests and production.
type syncOps interface {
	factNodes(ctx context.Context, scope string) ([]Node, error)
	insertNode(ctx context.Context, n *Node) error
	setConfidence(ctx context.Context, nodeID string, confidence float64) error
	setStatus(ctx context.Context, nodeID string, status NodeStatus) error
	insertEdge(ctx context.Context, e *Edge) error
	resolvesTargets(ctx context.Context, scope, nodeID string) (bool, error)
	hasContradiction(ctx context.Context, scope, a, b string) (bool, error)
}

var (
	nliPattern        = regexp.MustCompile(`NLI:\s*"(.+?)"\s+vs\s+"(.+?)"`)
	contradictPattern = regexp.MustCompile(`^(.+?)\s+contradicts\s+(.+)$`)
)

// ParseContradiction extracts the two conflicting fragments from a
// contradiction text. Recognized shapes: `NLI: "a" vs "b"` and
// `a contradicts b`.
func ParseContradiction(text string) (a, b string, ok bool) {
	if m := nliPattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1]), strings.TrimSpace(m[2]), true
	}
	if m := contradictPattern.FindStringSubmatch(strings.TrimSpace(text)); m != nil {
		return strings.TrimSpace(m[1]), strings.TrimSpace(m[2]), true
	}
	return "", "", false
}

// contentMatches reports whether an existing node content matches an incoming
// fragment: exact, or prefix containment in either direction.
func contentMatches(existing, incoming string) bool {
	if existing == incoming {
		return true
	}
	return strings.HasPrefix(existing, incoming) || strings.HasPrefix(incoming, existing)
}

// runSync applies one facts batch to a scope. Monotone rules:
//   - confidence only moves up; a lower proposal is ignored
//   - unmatched previously-active facts become irrelevant, never deleted
//   - a contradicts edge is never added once any resolves edge targets
//     either endpoint
func runSync(ctx context.Context, ops syncOps, scope, createdBy string, batch FactsBatch) (SyncResult, error) {
	var res SyncResult

	prior, err := ops.factNodes(ctx, scope)
	if err != nil {
		return res, fmt.Errorf("graph: load prior facts: %w", err)
	}

	byType := map[NodeType][]*Node{}
	for i := range prior {
		n := &prior[i]
		byType[n.Type] = append(byType[n.Type], n)
	}
	matched := map[string]bool{}

	apply := func(nodeType NodeType, facts []IncomingFact) error {
		for _, f := range facts {
			var hit *Node
			for _, n := range byType[nodeType] {
				if contentMatches(n.Content, f.Content) {
					hit = n
					break
				}
			}
			if hit == nil {
				node := &Node{
					NodeID:     uuid.New().String(),
					ScopeID:    scope,
					Type:       nodeType,
					Content:    f.Content,
					Confidence: f.Confidence,
					Status:     StatusActive,
					SourceRef:  f.SourceRef,
					CreatedBy:  createdBy,
					Version:    1,
					RecordedAt: time.Now().UTC(),
				}
				if err := ops.insertNode(ctx, node); err != nil {
					return err
				}
				byType[nodeType] = append(byType[nodeType], node)
				matched[node.NodeID] = true
				res.Inserted++
				continue
			}
			matched[hit.NodeID] = true
			if f.Confidence >= hit.Confidence {
				if err := ops.setConfidence(ctx, hit.NodeID, f.Confidence); err != nil {
					return err
				}
				hit.Confidence = f.Confidence
				res.Updated++
			}
			if hit.Status != StatusActive {
				if err := ops.setStatus(ctx, hit.NodeID, StatusActive); err != nil {
					return err
				}
				hit.Status = StatusActive
				res.Reactivated++
			}
		}
		return nil
	}

	if err := apply(NodeClaim, batch.Claims); err != nil {
		return res, err
	}
	if err := apply(NodeGoal, batch.Goals); err != nil {
		return res, err
	}
	if err := apply(NodeRisk, batch.Risks); err != nil {
		return res, err
	}

	// Stale-ination: anything previously active and not re-observed this
	// round is labelled irrelevant. Resolved nodes keep their label.
	for i := range prior {
		n := &prior[i]
		if matched[n.NodeID] || n.Status != StatusActive {
			continue
		}
		if err := ops.setStatus(ctx, n.NodeID, StatusIrrelevant); err != nil {
			return res, err
		}
		res.MarkedStale++
	}

	for _, text := range batch.Contradictions {
		a, b, ok := ParseContradiction(text)
		if !ok {
			res.EdgesSkipped++
			continue
		}
		src := resolveFragment(byType, a)
		dst := resolveFragment(byType, b)
		if src == nil || dst == nil {
			res.EdgesSkipped++
			continue
		}
		// Irreversible resolution: once either endpoint has been resolved,
		// the pair never re-contradicts.
		for _, id := range []string{src.NodeID, dst.NodeID} {
			resolved, err := ops.resolvesTargets(ctx, scope, id)
			if err != nil {
				return res, err
			}
			if resolved {
				src = nil
				break
			}
		}
		if src == nil {
			res.EdgesSkipped++
			continue
		}
		exists, err := ops.hasContradiction(ctx, scope, src.NodeID, dst.NodeID)
		if err != nil {
			return res, err
		}
		if exists {
			res.EdgesSkipped++
			continue
		}
		edge := &Edge{
			EdgeID:     uuid.New().String(),
			ScopeID:    scope,
			SourceID:   src.NodeID,
			TargetID:   dst.NodeID,
			EdgeType:   EdgeContradicts,
			Weight:     1,
			CreatedBy:  createdBy,
			RecordedAt: time.Now().UTC(),
		}
		if err := ops.insertEdge(ctx, edge); err != nil {
			return res, err
		}
		res.EdgesAdded++
	}

	return res, nil
}

// resolveFragment maps a contradiction fragment to a node by exact-or-prefix
// content match across all fact-sourced types.
func resolveFragment(byType map[NodeType][]*Node, fragment string) *Node {
	for _, t := range []NodeType{NodeClaim, NodeGoal, NodeRisk} {
		for _, n := range byType[t] {
			if contentMatches(n.Content, fragment) {
				return n
			}
		}
	}
	return nil
}
