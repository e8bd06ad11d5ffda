// Package geo holds the geometry primitives shared by the situation store,
// the proximity detector and the query API: geodetic points and paths
// (WGS84 lon/lat), bounding boxes, and the metric projection used for
// distance comparisons.
package geo

import (
	"encoding/json"
	"fmt"
)

// Point is a geodetic coordinate pair (WGS84, SRID 4326).
type Point struct {
	Lon float64
	Lat float64
}

// Path is an ordered sequence of geodetic coordinates. A usable path has at
// least two points.
type Path []Point

// BBox is an axis-aligned geographic bounding box used as the area of
// interest for collision detection.
type BBox struct {
	MinLon float64
	MinLat float64
	MaxLon float64
	MaxLat float64
}

// Valid reports whether the box has positive extent in both axes.
func (b BBox) Valid() bool {
	return b.MinLon < b.MaxLon && b.MinLat < b.MaxLat
}

// ContainsPoint reports whether p lies inside or on the boundary of b.
func (b BBox) ContainsPoint(p Point) bool {
	return p.Lon >= b.MinLon && p.Lon <= b.MaxLon &&
		p.Lat >= b.MinLat && p.Lat <= b.MaxLat
}

// IntersectsPath reports whether any part of the path lies inside or crosses b.
func (b BBox) IntersectsPath(path Path) bool {
	if len(path) == 0 {
		return false
	}
	if len(path) == 1 {
		return b.ContainsPoint(path[0])
	}
	for i := 0; i < len(path)-1; i++ {
		if b.intersectsSegment(path[i], path[i+1]) {
			return true
		}
	}
	return false
}

// Bounds returns the bounding box of the path. Single-point degenerate boxes
// are returned as-is; callers prefilter with overlap, not Valid.
func (p Path) Bounds() BBox {
	b := BBox{MinLon: p[0].Lon, MinLat: p[0].Lat, MaxLon: p[0].Lon, MaxLat: p[0].Lat}
	for _, pt := range p[1:] {
		if pt.Lon < b.MinLon {
			b.MinLon = pt.Lon
		}
		if pt.Lon > b.MaxLon {
			b.MaxLon = pt.Lon
		}
		if pt.Lat < b.MinLat {
			b.MinLat = pt.Lat
		}
		if pt.Lat > b.MaxLat {
			b.MaxLat = pt.Lat
		}
	}
	return b
}

// Overlaps reports whether the two boxes share any area or boundary.
func (b BBox) Overlaps(o BBox) bool {
	return b.MinLon <= o.MaxLon && b.MaxLon >= o.MinLon &&
		b.MinLat <= o.MaxLat && b.MaxLat >= o.MinLat
}

func (b BBox) intersectsSegment(p, q Point) bool {
	if b.ContainsPoint(p) || b.ContainsPoint(q) {
		return true
	}
	corners := [4]Point{
		{b.MinLon, b.MinLat},
		{b.MaxLon, b.MinLat},
		{b.MaxLon, b.MaxLat},
		{b.MinLon, b.MaxLat},
	}
	for i := 0; i < 4; i++ {
		if segmentsCross(p, q, corners[i], corners[(i+1)%4]) {
			return true
		}
	}
	return false
}

// segmentsCross reports whether segments ab and cd intersect, including
// collinear overlap and shared endpoints.
func segmentsCross(a, b, c, d Point) bool {
	o1 := orientation(a, b, c)
	o2 := orientation(a, b, d)
	o3 := orientation(c, d, a)
	o4 := orientation(c, d, b)

	if o1 != o2 && o3 != o4 {
		return true
	}
	switch {
	case o1 == 0 && onSegment(a, c, b):
		return true
	case o2 == 0 && onSegment(a, d, b):
		return true
	case o3 == 0 && onSegment(c, a, d):
		return true
	case o4 == 0 && onSegment(c, b, d):
		return true
	}
	return false
}

// orientation returns 0 for collinear, 1 for clockwise, 2 for counterclockwise.
func orientation(p, q, r Point) int {
	v := (q.Lat-p.Lat)*(r.Lon-q.Lon) - (q.Lon-p.Lon)*(r.Lat-q.Lat)
	if v == 0 {
		return 0
	}
	if v > 0 {
		return 1
	}
	return 2
}

// onSegment reports whether q lies on segment pr, assuming collinearity.
func onSegment(p, q, r Point) bool {
	return q.Lon <= max(p.Lon, r.Lon) && q.Lon >= min(p.Lon, r.Lon) &&
		q.Lat <= max(p.Lat, r.Lat) && q.Lat >= min(p.Lat, r.Lat)
}

// EncodePath serializes a path as a JSON array of [lon, lat] pairs, the same
// coordinate layout GeoJSON uses for LineString coordinates.
func EncodePath(p Path) (string, error) {
	if len(p) < 2 {
		return "", fmt.Errorf("path needs at least 2 points, got %d", len(p))
	}
	coords := make([][2]float64, len(p))
	for i, pt := range p {
		coords[i] = [2]float64{pt.Lon, pt.Lat}
	}
	raw, err := json.Marshal(coords)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodePath parses the JSON coordinate array produced by EncodePath.
func DecodePath(s string) (Path, error) {
	var coords [][2]float64
	if err := json.Unmarshal([]byte(s), &coords); err != nil {
		return nil, fmt.Errorf("failed to parse path coordinates: %w", err)
	}
	if len(coords) < 2 {
		return nil, fmt.Errorf("path needs at least 2 points, got %d", len(coords))
	}
	path := make(Path, len(coords))
	for i, c := range coords {
		path[i] = Point{Lon: c[0], Lat: c[1]}
	}
	return path, nil
}
