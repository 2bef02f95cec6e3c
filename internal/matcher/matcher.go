package matcher

import (
	"context"
	"sort"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/models"
)

// Candidate is a driver ranked for one ride. Priority 1 is the best candidate.
type Candidate struct {
	Driver         models.Driver
	DistanceMeters float64
	ETA            float64
	Priority       int
}

// Rank orders hits nearest first, breaking distance ties by higher rating, and
// assigns priorities 1..n. ETA is informational and does not affect order.
func Rank(ctx context.Context, pickup models.Coord, hits []models.DriverHit, est *eta.Estimator) []Candidate {
	out := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		out = append(out, Candidate{
			Driver:         h.Driver,
			DistanceMeters: h.DistanceMeters,
			ETA:            est.Estimate(ctx, h.Driver.Loc, pickup),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceMeters != out[j].DistanceMeters {
			return out[i].DistanceMeters < out[j].DistanceMeters
		}
		return out[i].Driver.Rating > out[j].Driver.Rating
	})
	for i := range out {
		out[i].Priority = i + 1
	}
	return out
}
