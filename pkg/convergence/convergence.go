// Package convergence computes the dynamics signals of a scope's finality
// score series: progress EMA, plateau, monotonicity, regression slope, ETA
// and the per-dimension pressure map. All functions are pure and must be
// safe over empty or single-point histories.
package convergence

import (
	"math"
	"sort"
	"time"
)

// Point is one observation of the finality signals at an epoch.
type Point struct {
	Epoch           uint64             `json:"epoch"`
	GoalScore       float64            `json:"goal_score"`
	LyapunovV       float64            `json:"lyapunov_v"`
	DimensionScores map[string]float64 `json:"dimension_scores,omitempty"`
	Pressure        map[string]float64 `json:"pressure,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
}

// Options tunes the signal computation. Zero values take the documented
// defaults.
type Options struct {
	// TargetStep is the per-round goal-score gain treated as full progress.
	TargetStep float64
	// EMAWindow is the smoothing window β.
	EMAWindow int
	// PlateauThreshold is the EMA level below which a step counts as flat.
	PlateauThreshold float64
	// PlateauSteps is τ, the consecutive flat steps before a plateau.
	PlateauSteps int
	// SlopeEpsilon is the minimum slope ε for a defined ETA.
	SlopeEpsilon float64
	// AutoThreshold is the auto-resolve score the ETA is measured against.
	AutoThreshold float64
}

func (o Options) withDefaults() Options {
	if o.TargetStep <= 0 {
		o.TargetStep = 0.1
	}
	if o.EMAWindow <= 0 {
		o.EMAWindow = 3
	}
	if o.PlateauThreshold <= 0 {
		o.PlateauThreshold = 0.02
	}
	if o.PlateauSteps <= 0 {
		o.PlateauSteps = 3
	}
	if o.SlopeEpsilon <= 0 {
		o.SlopeEpsilon = 1e-3
	}
	if o.AutoThreshold <= 0 {
		o.AutoThreshold = 0.92
	}
	return o
}

// Signals is the digest the watchdog and the hatchery act on.
type Signals struct {
	ProgressEMA     float64            `json:"progress_ema"`
	IsPlateaued     bool               `json:"is_plateaued"`
	IsMonotonic     bool               `json:"is_monotonic"`
	Alpha           float64            `json:"alpha"`
	ShouldConverge  bool               `json:"should_converge"`
	EstimatedRounds *int               `json:"estimated_rounds,omitempty"`
	Pressure        map[string]float64 `json:"pressure,omitempty"`
	HighestPressure string             `json:"highest_pressure_dimension,omitempty"`
	LittleL         float64            `json:"little_l,omitempty"`
}

// Compute derives all signals from the point sequence. Progress deltas are
// clamped at zero, so a diverging series reads as plateaued rather than as
// negative progress; the signed information survives in Alpha and in
// IsMonotonic.
func Compute(points []Point, opts Options) Signals {
	o := opts.withDefaults()
	var sig Signals
	sig.IsMonotonic = true

	if len(points) == 0 {
		return sig
	}

	// Progress ratio EMA and plateau run length.
	beta := 2.0 / (float64(o.EMAWindow) + 1.0)
	ema := 0.0
	flatRun := 0
	plateaued := false
	for i := 1; i < len(points); i++ {
		delta := points[i].GoalScore - points[i-1].GoalScore
		if delta < 0 {
			sig.IsMonotonic = false
		}
		progress := math.Max(0, delta) / o.TargetStep
		if progress > 1 {
			progress = 1
		}
		if i == 1 {
			ema = progress
		} else {
			ema = beta*progress + (1-beta)*ema
		}
		if ema < o.PlateauThreshold {
			flatRun++
			if flatRun >= o.PlateauSteps {
				plateaued = true
			}
		} else {
			flatRun = 0
			plateaued = false
		}
	}
	sig.ProgressEMA = ema
	sig.IsPlateaued = plateaued

	sig.Alpha = slope(points)
	sig.ShouldConverge = sig.Alpha > 0

	current := points[len(points)-1].GoalScore
	switch {
	case current >= o.AutoThreshold:
		zero := 0
		sig.EstimatedRounds = &zero
	case sig.Alpha > o.SlopeEpsilon:
		rounds := int(math.Ceil((o.AutoThreshold - current) / sig.Alpha))
		sig.EstimatedRounds = &rounds
	}

	sig.Pressure = PressureMap(points[len(points)-1], DefaultWeights)
	sig.HighestPressure = ArgmaxPressure(sig.Pressure)
	return sig
}

// slope is the least-squares linear regression slope of goal_score over the
// epoch index (0..n-1). Two points minimum.
func slope(points []Point) float64 {
	n := len(points)
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, p := range points {
		x := float64(i)
		sumX += x
		sumY += p.GoalScore
		sumXY += x * p.GoalScore
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (fn*sumXY - sumX*sumY) / denom
}

// DefaultWeights are the finality dimension weights.
var DefaultWeights = map[string]float64{
	DimContradictionResolution: 0.30,
	DimClaimConfidence:         0.30,
	DimGoalCompletion:          0.25,
	DimRiskScoreInverse:        0.15,
}

// Finality dimension names, in watchdog phase order.
const (
	DimContradictionResolution = "contradiction_resolution"
	DimClaimConfidence         = "claim_confidence"
	DimGoalCompletion          = "goal_completion"
	DimRiskScoreInverse        = "risk_score_inverse"
)

// PhaseOrder is the watchdog's question ordering: contradictions first.
var PhaseOrder = []string{
	DimContradictionResolution,
	DimClaimConfidence,
	DimGoalCompletion,
	DimRiskScoreInverse,
}

// PressureMap computes weight × (1 − dim_score) per dimension — the marginal
// finality gain from fully closing that dimension.
func PressureMap(p Point, weights map[string]float64) map[string]float64 {
	if len(p.DimensionScores) == 0 {
		return nil
	}
	out := make(map[string]float64, len(p.DimensionScores))
	for dim, score := range p.DimensionScores {
		w, ok := weights[dim]
		if !ok {
			continue
		}
		gap := 1 - score
		if gap < 0 {
			gap = 0
		}
		out[dim] = w * gap
	}
	return out
}

// ArgmaxPressure returns the dimension with the highest pressure. Ties break
// by phase order, then lexicographically, for determinism.
func ArgmaxPressure(pressure map[string]float64) string {
	if len(pressure) == 0 {
		return ""
	}
	dims := make([]string, 0, len(pressure))
	for d := range pressure {
		dims = append(dims, d)
	}
	sort.Slice(dims, func(i, j int) bool {
		pi, pj := phaseIndex(dims[i]), phaseIndex(dims[j])
		if pi != pj {
			return pi < pj
		}
		return dims[i] < dims[j]
	})
	best := dims[0]
	for _, d := range dims[1:] {
		if pressure[d] > pressure[best] {
			best = d
		}
	}
	return best
}

func phaseIndex(dim string) int {
	for i, d := range PhaseOrder {
		if d == dim {
			return i
		}
	}
	return len(PhaseOrder)
}

// LittleL reports L = λ/μ, the steady-state in-system count implied by an
// arrival rate and a service rate. Reported for sanity, never enforced.
func LittleL(lambda, mu float64) float64 {
	if mu <= 0 {
		return 0
	}
	return lambda / mu
}
