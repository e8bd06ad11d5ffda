package geo

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// PointPathDistance returns the minimum planar distance in meters from p to
// the polyline, both already in projected coordinates. An empty polyline
// yields +Inf (no match at any tolerance).
func PointPathDistance(p r2.Vec, path []r2.Vec) float64 {
	if len(path) == 0 {
		return math.Inf(1)
	}
	if len(path) == 1 {
		return r2.Norm(r2.Sub(p, path[0]))
	}
	minDist := math.Inf(1)
	for i := 0; i < len(path)-1; i++ {
		if d := pointSegmentDistance(p, path[i], path[i+1]); d < minDist {
			minDist = d
		}
	}
	return minDist
}

// pointSegmentDistance returns the distance from p to the closest point on
// segment ab, clamping the projection parameter to the segment.
func pointSegmentDistance(p, a, b r2.Vec) float64 {
	ab := r2.Sub(b, a)
	len2 := r2.Dot(ab, ab)
	if len2 == 0 {
		return r2.Norm(r2.Sub(p, a))
	}
	t := r2.Dot(r2.Sub(p, a), ab) / len2
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	closest := r2.Add(a, r2.Scale(t, ab))
	return r2.Norm(r2.Sub(p, closest))
}
