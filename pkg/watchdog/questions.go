// Package watchdog detects quiescence and turns a near-final scope into a
// ranked set of human questions. It is the only component that initiates
// HITL reviews on its own.
package watchdog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/Mindburn-Labs/swarm/core/pkg/convergence"
	"github.com/Mindburn-Labs/swarm/core/pkg/finality"
	"github.com/Mindburn-Labs/swarm/core/pkg/graph"
)

// Priority buckets a question by urgency.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
)

// Question is one ranked ask for the human reviewer.
type Question struct {
	Dimension       string   `json:"dimension"`
	CurrentScore    float64  `json:"current_score"`
	Weight          float64  `json:"weight"`
	PotentialGain   float64  `json:"potential_gain"`
	Question        string   `json:"question"`
	SuggestedAction string   `json:"suggested_action"`
	Priority        Priority `json:"priority"`
}

// Summary is the situation digest submitted with the questions.
type Summary struct {
	ScopeID   string     `json:"scope_id"`
	GoalScore float64    `json:"goal_score"`
	Text      string     `json:"text"`
	Questions []Question `json:"questions"`
}

// maxOffenders bounds how many concrete offenders a question cites.
const maxOffenders = 5

// smallEpsilon is the gap below which a dimension is considered closed.
const smallEpsilon = 0.01

// BuildQuestions produces the ranked question list for a scope: phases in
// fixed order (contradictions first), then descending potential gain within
// the list.
func BuildQuestions(ctx context.Context, store graph.Store, scope string, snap finality.Snapshot) ([]Question, error) {
	var questions []Question

	phaseRank := map[string]int{}
	for i, dim := range convergence.PhaseOrder {
		phaseRank[dim] = i
	}

	for _, dim := range convergence.PhaseOrder {
		score := snap.DimensionScores[dim]
		gap := 1 - score
		if gap <= smallEpsilon {
			continue
		}
		weight := convergence.DefaultWeights[dim]
		gain := gap * weight

		text, action, err := describe(ctx, store, scope, dim, snap)
		if err != nil {
			return nil, err
		}
		questions = append(questions, Question{
			Dimension:       dim,
			CurrentScore:    score,
			Weight:          weight,
			PotentialGain:   gain,
			Question:        text,
			SuggestedAction: action,
			Priority:        priorityFor(gain),
		})
	}

	sort.SliceStable(questions, func(i, j int) bool {
		pi, pj := phaseRank[questions[i].Dimension], phaseRank[questions[j].Dimension]
		if pi != pj {
			return pi < pj
		}
		return questions[i].PotentialGain > questions[j].PotentialGain
	})
	return questions, nil
}

func priorityFor(gain float64) Priority {
	switch {
	case gain >= 0.1:
		return PriorityCritical
	case gain >= 0.04:
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

// describe fetches up to maxOffenders concrete offenders for a dimension and
// phrases the question around them.
func describe(ctx context.Context, store graph.Store, scope, dim string, snap finality.Snapshot) (question, action string, err error) {
	switch dim {
	case convergence.DimContradictionResolution:
		pairs, err := contradictionPairs(ctx, store, scope)
		if err != nil {
			return "", "", err
		}
		return fmt.Sprintf("Which side of these contradictions holds? %s", strings.Join(pairs, "; ")),
			"resolve each contradiction by superseding the losing claim", nil

	case convergence.DimClaimConfidence:
		claims, err := lowestConfidenceClaims(ctx, store, scope)
		if err != nil {
			return "", "", err
		}
		return fmt.Sprintf("Can you corroborate these low-confidence claims? %s", strings.Join(claims, "; ")),
			"attach evidence or confirm the claims to raise confidence", nil

	case convergence.DimGoalCompletion:
		goals, err := openGoals(ctx, store, scope)
		if err != nil {
			return "", "", err
		}
		return fmt.Sprintf("Are these goals complete or out of scope? %s", strings.Join(goals, "; ")),
			"mark finished goals resolved or drop abandoned ones", nil

	default:
		return fmt.Sprintf("The scope carries %d critical risks (risk score %.2f). Accept or mitigate?",
				snap.RisksCriticalActiveCount, snap.ScopeRiskScore),
			"mitigate, downgrade or accept the open risks", nil
	}
}

func contradictionPairs(ctx context.Context, store graph.Store, scope string) ([]string, error) {
	edges, err := store.CurrentEdges(ctx, scope, graph.EdgeContradicts)
	if err != nil {
		return nil, err
	}
	nodes, err := store.CurrentNodes(ctx, scope)
	if err != nil {
		return nil, err
	}
	content := map[string]string{}
	for _, n := range nodes {
		content[n.NodeID] = n.Content
	}
	var out []string
	for _, e := range edges {
		resolved, err := store.HasResolvesTargeting(ctx, scope, e.SourceID)
		if err != nil {
			return nil, err
		}
		if !resolved {
			if resolved, err = store.HasResolvesTargeting(ctx, scope, e.TargetID); err != nil {
				return nil, err
			}
		}
		if resolved {
			continue
		}
		out = append(out, fmt.Sprintf("%q vs %q", clip(content[e.SourceID]), clip(content[e.TargetID])))
		if len(out) == maxOffenders {
			break
		}
	}
	return out, nil
}

func lowestConfidenceClaims(ctx context.Context, store graph.Store, scope string) ([]string, error) {
	nodes, err := store.CurrentNodes(ctx, scope, graph.NodeClaim)
	if err != nil {
		return nil, err
	}
	active := nodes[:0]
	for _, n := range nodes {
		if n.Status == graph.StatusActive {
			active = append(active, n)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Confidence < active[j].Confidence })
	var out []string
	for _, n := range active {
		out = append(out, fmt.Sprintf("%q (%.2f)", clip(n.Content), n.Confidence))
		if len(out) == maxOffenders {
			break
		}
	}
	return out, nil
}

func openGoals(ctx context.Context, store graph.Store, scope string) ([]string, error) {
	nodes, err := store.CurrentNodes(ctx, scope, graph.NodeGoal)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, n := range nodes {
		if n.Status == graph.StatusResolved {
			continue
		}
		out = append(out, fmt.Sprintf("%q", clip(n.Content)))
		if len(out) == maxOffenders {
			break
		}
	}
	return out, nil
}

// clip truncates to at most 80 runes, never splitting a multibyte rune.
func clip(s string) string {
	const max = 80
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}

// Summarize renders the compact summary line.
func Summarize(scope string, snap finality.Snapshot, questions []Question) Summary {
	var b strings.Builder
	fmt.Fprintf(&b, "scope %s at %.2f: ", scope, snap.GoalScoreTotal)
	if len(questions) == 0 {
		b.WriteString("no open questions")
	} else {
		parts := make([]string, 0, len(questions))
		for _, q := range questions {
			parts = append(parts, fmt.Sprintf("%s gap %.2f (%s)", q.Dimension, q.PotentialGain, q.Priority))
		}
		b.WriteString(strings.Join(parts, ", "))
	}
	return Summary{
		ScopeID:   scope,
		GoalScore: snap.GoalScoreTotal,
		Text:      b.String(),
		Questions: questions,
	}
}
