// Package geoindex answers "nearest drivers within a radius" queries.
//
// Two backends share one contract: Grid keeps everything in process memory and
// RedisIndex stores positions in a Redis GEO set so several dispatch
// instances can share them. Both tolerate a query racing a write; the query
// may see the position from just before the write.
package geoindex

import (
	"context"
	"sort"

	"github.com/gocomet/ride-dispatch/internal/domain/geo"
)

// Filter decides whether a member may appear in results. It is called
// without any index lock held, nearest member first.
type Filter func(id string) bool

// Neighbor is one query result
type Neighbor struct {
	ID         string
	Point      geo.Point
	DistanceKM float64
}

// Index is a spatial index over driver positions
type Index interface {
	Upsert(ctx context.Context, id string, p geo.Point) error
	Remove(ctx context.Context, id string) error
	Nearest(ctx context.Context, center geo.Point, radiusKM float64, limit int, keep Filter) ([]Neighbor, error)
}

// selectNearest sorts by distance (ties by id for stable output) and applies
// the filter until limit results are collected. limit <= 0 means no limit.
func selectNearest(found []Neighbor, limit int, keep Filter) []Neighbor {
	sort.Slice(found, func(i, j int) bool {
		if found[i].DistanceKM != found[j].DistanceKM {
			return found[i].DistanceKM < found[j].DistanceKM
		}
		return found[i].ID < found[j].ID
	})

	out := make([]Neighbor, 0, min(len(found), max(limit, 0)))
	for _, n := range found {
		if keep != nil && !keep(n.ID) {
			continue
		}
		out = append(out, n)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
