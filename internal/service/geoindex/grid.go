package geoindex

import (
	"context"
	"math"
	"sync"

	"github.com/gocomet/ride-dispatch/internal/domain/geo"
)

// DefaultCellDegrees is roughly 5.5 km of latitude per cell
const DefaultCellDegrees = 0.05

// kmPerDegree is the length of one degree of latitude on the Haversine sphere
const kmPerDegree = 2 * math.Pi * geo.EarthRadiusKM / 360

type cellKey struct {
	x, y int32
}

type member struct {
	cell  cellKey
	point geo.Point
}

// Grid is an in-memory uniform lat/lon grid. Upsert and Remove are O(1); a
// query only visits the cells overlapping the radius' bounding box.
type Grid struct {
	mu       sync.RWMutex
	cellSize float64
	cells    map[cellKey]map[string]geo.Point
	members  map[string]member
}

// NewGrid creates a grid with cells of cellDegrees on each side
func NewGrid(cellDegrees float64) *Grid {
	if cellDegrees <= 0 {
		cellDegrees = DefaultCellDegrees
	}
	return &Grid{
		cellSize: cellDegrees,
		cells:    make(map[cellKey]map[string]geo.Point),
		members:  make(map[string]member),
	}
}

// Upsert inserts or moves a member
func (g *Grid) Upsert(_ context.Context, id string, p geo.Point) error {
	if err := p.Validate(); err != nil {
		return err
	}
	key := g.keyFor(p)

	g.mu.Lock()
	defer g.mu.Unlock()

	if old, ok := g.members[id]; ok && old.cell != key {
		g.removeFromCell(old.cell, id)
	}
	bucket, ok := g.cells[key]
	if !ok {
		bucket = make(map[string]geo.Point)
		g.cells[key] = bucket
	}
	bucket[id] = p
	g.members[id] = member{cell: key, point: p}
	return nil
}

// Remove deletes a member; removing an unknown id is a no-op
func (g *Grid) Remove(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if old, ok := g.members[id]; ok {
		g.removeFromCell(old.cell, id)
		delete(g.members, id)
	}
	return nil
}

// Nearest returns members within radiusKM of center, nearest first
func (g *Grid) Nearest(_ context.Context, center geo.Point, radiusKM float64, limit int, keep Filter) ([]Neighbor, error) {
	if err := center.Validate(); err != nil {
		return nil, err
	}
	if radiusKM <= 0 {
		return nil, nil
	}

	latSpan := radiusKM / kmPerDegree
	// widest longitude span occurs at the box edge closest to a pole
	edgeLat := math.Min(math.Abs(center.Latitude)+latSpan, 89.9)
	cosLat := math.Max(math.Cos(edgeLat*math.Pi/180), 0.01)
	lonSpan := radiusKM / (kmPerDegree * cosLat)

	minKey := g.keyFor(geo.Point{Longitude: center.Longitude - lonSpan, Latitude: center.Latitude - latSpan})
	maxKey := g.keyFor(geo.Point{Longitude: center.Longitude + lonSpan, Latitude: center.Latitude + latSpan})
	span := (int64(maxKey.x-minKey.x) + 1) * (int64(maxKey.y-minKey.y) + 1)

	var found []Neighbor
	collect := func(bucket map[string]geo.Point) {
		for id, p := range bucket {
			if d := geo.Haversine(center, p); d <= radiusKM {
				found = append(found, Neighbor{ID: id, Point: p, DistanceKM: d})
			}
		}
	}

	g.mu.RLock()
	if span > int64(len(g.cells)) {
		for _, bucket := range g.cells {
			collect(bucket)
		}
	} else {
		for x := minKey.x; x <= maxKey.x; x++ {
			for y := minKey.y; y <= maxKey.y; y++ {
				collect(g.cells[cellKey{x: x, y: y}])
			}
		}
	}
	g.mu.RUnlock()

	return selectNearest(found, limit, keep), nil
}

// Len returns the number of indexed members
func (g *Grid) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}

func (g *Grid) keyFor(p geo.Point) cellKey {
	return cellKey{
		x: int32(math.Floor(p.Longitude / g.cellSize)),
		y: int32(math.Floor(p.Latitude / g.cellSize)),
	}
}

func (g *Grid) removeFromCell(key cellKey, id string) {
	bucket := g.cells[key]
	delete(bucket, id)
	if len(bucket) == 0 {
		delete(g.cells, key)
	}
}
