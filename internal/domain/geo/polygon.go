package geo

import "math"

// boundaryEpsilon absorbs float noise when deciding whether a point lies on an edge.
const boundaryEpsilon = 1e-12

// Polygon is an ordered ring of vertices. The ring may be closed (last vertex
// repeats the first) or open; both describe the same area.
type Polygon []Point

// Contains reports whether p lies strictly inside the polygon.
//
// Ray casting: a horizontal ray from p counts edge crossings, odd means inside.
// Points on an edge or a vertex are treated as outside, so a dropoff exactly on
// a zone border never picks up that zone's surge.
func (poly Polygon) Contains(p Point) bool {
	n := len(poly)
	if n > 1 && poly[0] == poly[n-1] {
		n--
	}
	if n < 3 {
		return false
	}

	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := poly[i], poly[j]
		if onSegment(p, a, b) {
			return false
		}
		if (a.Latitude > p.Latitude) != (b.Latitude > p.Latitude) {
			x := (b.Longitude-a.Longitude)*(p.Latitude-a.Latitude)/(b.Latitude-a.Latitude) + a.Longitude
			if p.Longitude < x {
				inside = !inside
			}
		}
	}
	return inside
}

// Validate checks every vertex.
func (poly Polygon) Validate() error {
	for _, v := range poly {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func onSegment(p, a, b Point) bool {
	cross := (b.Longitude-a.Longitude)*(p.Latitude-a.Latitude) - (b.Latitude-a.Latitude)*(p.Longitude-a.Longitude)
	if math.Abs(cross) > boundaryEpsilon {
		return false
	}
	return p.Longitude >= math.Min(a.Longitude, b.Longitude)-boundaryEpsilon &&
		p.Longitude <= math.Max(a.Longitude, b.Longitude)+boundaryEpsilon &&
		p.Latitude >= math.Min(a.Latitude, b.Latitude)-boundaryEpsilon &&
		p.Latitude <= math.Max(a.Latitude, b.Latitude)+boundaryEpsilon
}
