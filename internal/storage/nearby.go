package storage

import (
	"context"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

type NearbyQuery struct {
	Center        models.Coord
	RadiusMeters  float64
	VehicleClass  models.VehicleClass // empty matches any class
	OnlyAvailable bool
	Limit         int
}

// NearbyDrivers joins geo index hits with driver records and keeps the ones that match q,
// nearest first. The record is authoritative: a stale index entry for an offline driver
// is filtered out here.
func NearbyDrivers(ctx context.Context, st Store, idx geo.Geo, q NearbyQuery) ([]models.DriverHit, error) {
	hits, err := idx.Nearby(ctx, q.Center, q.RadiusMeters, 0)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	drivers, err := st.GetDrivers(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]models.DriverHit, 0, len(hits))
	for _, h := range hits {
		d, ok := drivers[h.ID]
		if !ok || !d.Online {
			continue
		}
		if q.OnlyAvailable && (!d.Available || d.CurrentRide != "") {
			continue
		}
		if q.VehicleClass != "" && d.VehicleClass != q.VehicleClass {
			continue
		}
		out = append(out, models.DriverHit{Driver: *d, DistanceMeters: h.Distance})
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}
