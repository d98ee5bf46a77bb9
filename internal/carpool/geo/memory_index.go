package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/example/carpool/internal/carpool/domain"
)

// MemoryIndex is an in-process offer index that scans every entry.
type MemoryIndex struct {
	mu      sync.RWMutex
	origins map[uuid.UUID]domain.GeoPoint
}

// NewMemoryIndex constructs an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{origins: make(map[uuid.UUID]domain.GeoPoint)}
}

func (m *MemoryIndex) Add(_ context.Context, offerID uuid.UUID, origin domain.GeoPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.origins[offerID] = origin
	return nil
}

func (m *MemoryIndex) Remove(_ context.Context, offerID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.origins, offerID)
	return nil
}

// Nearby returns ids within radiusKM, closest first.
func (m *MemoryIndex) Nearby(_ context.Context, point domain.GeoPoint, radiusKM float64, limit int) ([]uuid.UUID, error) {
	type hit struct {
		id   uuid.UUID
		dist float64
	}
	m.mu.RLock()
	hits := make([]hit, 0, len(m.origins))
	for id, origin := range m.origins {
		if d := DistanceKM(point, origin); d <= radiusKM {
			hits = append(hits, hit{id: id, dist: d})
		}
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	ids := make([]uuid.UUID, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids, nil
}

// DistanceKM is the haversine distance between two points.
func DistanceKM(a, b domain.GeoPoint) float64 {
	const earthRadiusKM = 6371.0
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dlat := toRadians(b.Lat - a.Lat)
	dlon := toRadians(b.Lng - a.Lng)

	sinDlat := math.Sin(dlat / 2)
	sinDlon := math.Sin(dlon / 2)
	aa := sinDlat*sinDlat + math.Cos(lat1)*math.Cos(lat2)*sinDlon*sinDlon
	c := 2 * math.Atan2(math.Sqrt(aa), math.Sqrt(1-aa))
	return earthRadiusKM * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
