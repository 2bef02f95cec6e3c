package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// Hit is one indexed point and its distance in meters from the query center.
type Hit struct {
	ID       string
	Loc      models.Coord
	Distance float64
}

// Geo is the spatial half of the entity store: it answers "nearest within radius"
// and is kept current by the telemetry relay.
type Geo interface {
	Upsert(ctx context.Context, id string, loc models.Coord) error
	Remove(ctx context.Context, id string) error
	// Nearby returns hits within radiusMeters, nearest first. limit <= 0 means no cap.
	Nearby(ctx context.Context, center models.Coord, radiusMeters float64, limit int) ([]Hit, error)
}

// Index is an in-process Geo for single-instance deployments and tests.
type Index struct {
	mu     sync.RWMutex
	points map[string]models.Coord
}

func NewIndex() *Index {
	return &Index{points: make(map[string]models.Coord)}
}

func (g *Index) Upsert(_ context.Context, id string, loc models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.points[id] = loc
	return nil
}

func (g *Index) Remove(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.points, id)
	return nil
}

// naive scan; fine for the fleet sizes a single instance serves
func (g *Index) Nearby(_ context.Context, center models.Coord, radiusMeters float64, limit int) ([]Hit, error) {
	g.mu.RLock()
	hits := make([]Hit, 0, len(g.points))
	for id, loc := range g.points {
		dist := Haversine(center.Lat, center.Lon, loc.Lat, loc.Lon)
		if dist > radiusMeters {
			continue
		}
		hits = append(hits, Hit{ID: id, Loc: loc, Distance: dist})
	}
	g.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance == hits[j].Distance {
			return hits[i].ID < hits[j].ID
		}
		return hits[i].Distance < hits[j].Distance
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine over two coordinates.
func Distance(a, b models.Coord) float64 { return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) }
