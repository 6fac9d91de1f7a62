// Package finality scores a scope's knowledge graph into a single verdict:
// auto-resolve, ask a human, or keep working. Scores are weighted dimension
// gaps over the current bitemporal view; under the graph's ratchet discipline
// the total is non-decreasing absent stale-ination.
package finality

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/Mindburn-Labs/swarm/core/pkg/convergence"
	"github.com/Mindburn-Labs/swarm/core/pkg/graph"
)

// Status is the scope-level verdict.
type Status string

const (
	StatusResolved Status = "RESOLVED"
	StatusReview   Status = "NEEDS_REVIEW"
	StatusActive   Status = "ACTIVE"
)

// Blocker names a concrete obstacle to auto-resolution.
type Blocker string

const (
	BlockerUnresolvedContradiction Blocker = "unresolved_contradiction"
	BlockerCriticalRisk            Blocker = "critical_risk"
	BlockerLowConfidenceClaims     Blocker = "low_confidence_claims"
	BlockerMissingGoalResolution   Blocker = "missing_goal_resolution"
)

// Thresholds bound the verdict bands. Values are clamped to [0,1] with
// near ≤ auto.
type Thresholds struct {
	Near float64
	Auto float64
}

// DefaultThresholds returns near=0.75, auto=0.92.
func DefaultThresholds() Thresholds {
	return Thresholds{Near: 0.75, Auto: 0.92}
}

// Clamped normalizes the thresholds.
func (t Thresholds) Clamped() Thresholds {
	clamp := func(v, def float64) float64 {
		if v <= 0 || v > 1 || math.IsNaN(v) {
			return def
		}
		return v
	}
	out := Thresholds{
		Near: clamp(t.Near, 0.75),
		Auto: clamp(t.Auto, 0.92),
	}
	if out.Near > out.Auto {
		out.Near = out.Auto
	}
	return out
}

// Snapshot is the raw aggregates plus the derived dimensional scores.
type Snapshot struct {
	graph.Aggregates
	DimensionScores map[string]float64 `json:"dimension_scores"`
	GoalScoreTotal  float64            `json:"goal_score_total"`
}

// ReviewRequest is the payload handed to a human when the score sits in the
// near-but-not-auto band.
type ReviewRequest struct {
	GoalScore          float64            `json:"goal_score"`
	DimensionBreakdown map[string]float64 `json:"dimension_breakdown"`
	Blockers           []Blocker          `json:"blockers"`
	Options            []string           `json:"options"`
}

// Result is one finality evaluation.
type Result struct {
	ScopeID  string         `json:"scope_id"`
	Status   Status         `json:"status"`
	Snapshot Snapshot       `json:"snapshot"`
	Review   *ReviewRequest `json:"review,omitempty"`
}

// Evaluator computes finality for scopes.
type Evaluator struct {
	store      graph.Store
	thresholds Thresholds
	log        *slog.Logger
}

// NewEvaluator builds an evaluator over a graph store.
func NewEvaluator(store graph.Store, thresholds Thresholds, log *slog.Logger) *Evaluator {
	if log == nil {
		log = slog.Default()
	}
	return &Evaluator{store: store, thresholds: thresholds.Clamped(), log: log}
}

// Score derives the dimensional scores from raw aggregates. Exposed for the
// convergence tracker and tests.
func Score(agg graph.Aggregates) Snapshot {
	snap := Snapshot{Aggregates: agg}

	claimScore := 0.0
	if agg.ClaimsActiveCount > 0 {
		claimScore = math.Min(agg.ClaimsAvgConfidence/0.85, 1)
	}

	contradictionScore := 1.0
	if agg.ContradictionsTotal > 0 {
		contradictionScore = 1 - float64(agg.ContradictionsUnresolved)/float64(agg.ContradictionsTotal)
	}

	goalScore := agg.GoalsCompletionRatio
	riskScore := 1 - math.Min(agg.ScopeRiskScore, 1)

	snap.DimensionScores = map[string]float64{
		convergence.DimClaimConfidence:         claimScore,
		convergence.DimContradictionResolution: contradictionScore,
		convergence.DimGoalCompletion:          goalScore,
		convergence.DimRiskScoreInverse:        riskScore,
	}
	for dim, score := range snap.DimensionScores {
		snap.GoalScoreTotal += convergence.DefaultWeights[dim] * score
	}
	return snap
}

// Evaluate computes the verdict for a scope. An empty scope (no claims, no
// goals) returns ACTIVE without faulting.
func (e *Evaluator) Evaluate(ctx context.Context, scopeID string) (*Result, error) {
	agg, err := e.store.Aggregates(ctx, scopeID)
	if err != nil {
		return nil, fmt.Errorf("finality: aggregates for %s: %w", scopeID, err)
	}

	snap := Score(agg)
	res := &Result{ScopeID: scopeID, Snapshot: snap}

	if agg.ClaimsActiveCount == 0 && agg.GoalsTotal == 0 {
		res.Status = StatusActive
		return res, nil
	}

	switch {
	case snap.GoalScoreTotal >= e.thresholds.Auto:
		res.Status = StatusResolved
	case snap.GoalScoreTotal >= e.thresholds.Near:
		res.Status = StatusReview
		res.Review = e.buildReview(snap)
	default:
		res.Status = StatusActive
	}

	e.log.Debug("finality evaluated",
		"scope", scopeID, "status", res.Status, "score", snap.GoalScoreTotal)
	return res, nil
}

func (e *Evaluator) buildReview(snap Snapshot) *ReviewRequest {
	req := &ReviewRequest{
		GoalScore:          snap.GoalScoreTotal,
		DimensionBreakdown: snap.DimensionScores,
	}
	if snap.ContradictionsUnresolved > 0 {
		req.Blockers = append(req.Blockers, BlockerUnresolvedContradiction)
		req.Options = append(req.Options, "resolve or supersede the conflicting claims")
	}
	if snap.RisksCriticalActiveCount > 0 {
		req.Blockers = append(req.Blockers, BlockerCriticalRisk)
		req.Options = append(req.Options, "mitigate or accept the critical risk")
	}
	if snap.ClaimsActiveCount > 0 && snap.ClaimsAvgConfidence < 0.85 {
		req.Blockers = append(req.Blockers, BlockerLowConfidenceClaims)
		req.Options = append(req.Options, "gather corroborating evidence for low-confidence claims")
	}
	if snap.GoalsTotal > snap.GoalsResolved {
		req.Blockers = append(req.Blockers, BlockerMissingGoalResolution)
		req.Options = append(req.Options, "mark remaining goals resolved or out of scope")
	}
	return req
}

// Point converts a snapshot into a convergence observation at an epoch.
func Point(epoch uint64, snap Snapshot) convergence.Point {
	return convergence.Point{
		Epoch:           epoch,
		GoalScore:       snap.GoalScoreTotal,
		DimensionScores: snap.DimensionScores,
		Pressure:        convergence.PressureMap(convergence.Point{DimensionScores: snap.DimensionScores}, convergence.DefaultWeights),
	}
}
