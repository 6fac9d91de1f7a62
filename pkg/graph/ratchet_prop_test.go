package graph

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Confidence is a ratchet: over any sequence of sync rounds, a content key's
// confidence never decreases, regardless of what later rounds propose.
func TestConfidenceRatchetProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200

	properties := gopter.NewProperties(params)

	contents := []string{"A", "B", "C"}
	genRound := gen.SliceOfN(3, gen.Float64Range(0, 1))

	properties.Property("confidence never decreases", prop.ForAll(
		func(rounds [][]float64) bool {
			s := NewMemoryStore()
			ctx := context.Background()
			best := map[string]float64{}

			for _, confs := range rounds {
				batch := FactsBatch{}
				for i, c := range contents {
					batch.Claims = append(batch.Claims, IncomingFact{Content: c, Confidence: confs[i]})
				}
				if _, err := s.FactsSync(ctx, "s1", "prop", batch); err != nil {
					return false
				}
				nodes, err := s.CurrentNodes(ctx, "s1", NodeClaim)
				if err != nil {
					return false
				}
				for _, n := range nodes {
					if n.Confidence < best[n.Content] {
						return false
					}
					best[n.Content] = n.Confidence
				}
			}
			return true
		},
		gen.SliceOfN(5, genRound),
	))

	properties.Property("full batches never mark facts stale", prop.ForAll(
		func(confs []float64) bool {
			s := NewMemoryStore()
			ctx := context.Background()
			batch := FactsBatch{}
			for i, c := range contents {
				batch.Claims = append(batch.Claims, IncomingFact{Content: c, Confidence: confs[i]})
			}
			if _, err := s.FactsSync(ctx, "s1", "prop", batch); err != nil {
				return false
			}
			res, err := s.FactsSync(ctx, "s1", "prop", batch)
			if err != nil {
				return false
			}
			return res.MarkedStale == 0 && res.Inserted == 0
		},
		genRound,
	))

	properties.TestingRun(t)
}
