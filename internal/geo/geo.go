package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/carpool/internal/models"
)

// Point is an indexed open-trip origin.
type Point struct {
	ID      string       `json:"id"`
	Loc     models.Coord `json:"loc"`
	Dist    float64      `json:"dist_m"`
	Updated time.Time    `json:"updated"`
}

// Geo indexes trip origins for nearby search. Entries may be stale; callers
// re-check the trip before trusting one.
type Geo interface {
	Upsert(ctx context.Context, p Point) error
	Remove(ctx context.Context, id string) error
	Nearby(ctx context.Context, lat, lon float64, limit int) ([]Point, error)
}

type Index struct {
	mu     sync.RWMutex
	points map[string]Point
	// Radius limits Nearby in meters; zero means unlimited.
	Radius float64
}

func NewIndex() *Index {
	return &Index{points: make(map[string]Point)}
}

func (g *Index) Upsert(_ context.Context, p Point) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p.Updated = time.Now()
	g.points[p.ID] = p
	return nil
}

func (g *Index) Remove(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.points, id)
	return nil
}

// naive scan; in prod use geo-hash or H3
func (g *Index) Nearby(_ context.Context, lat, lon float64, limit int) ([]Point, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	arr := make([]Point, 0, len(g.points))
	for _, p := range g.points {
		p.Dist = Haversine(lat, lon, p.Loc.Lat, p.Loc.Lon)
		if g.Radius > 0 && p.Dist > g.Radius {
			continue
		}
		arr = append(arr, p)
	}
	// partial selection sort for top-N
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].Dist < arr[minIdx].Dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n], nil
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
