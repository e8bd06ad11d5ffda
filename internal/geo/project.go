package geo

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// WGS84 ellipsoid constants.
const (
	wgs84A = 6378137.0           // semi-major axis, meters
	wgs84F = 1.0 / 298.257223563 // flattening
	utmK0  = 0.9996              // UTM central meridian scale factor
)

// maxProjectableLat bounds the transverse Mercator series; poleward of this
// the projection degenerates and geometries are rejected rather than
// silently mis-measured.
const maxProjectableLat = 84.0

// Projector converts geodetic WGS84 coordinates into a metric transverse
// Mercator plane so tolerances in meters compare linearly. The default zone
// 33 covers the Troms area of interest (EPSG:32633).
type Projector struct {
	lon0 float64 // central meridian, radians
	e2   float64 // first eccentricity squared
	ep2  float64 // second eccentricity squared
}

// NewUTMProjector returns a projector for the given UTM zone (1..60).
func NewUTMProjector(zone int) (*Projector, error) {
	if zone < 1 || zone > 60 {
		return nil, fmt.Errorf("invalid UTM zone %d (want 1..60)", zone)
	}
	e2 := wgs84F * (2 - wgs84F)
	return &Projector{
		lon0: float64(zone*6-183) * math.Pi / 180,
		e2:   e2,
		ep2:  e2 / (1 - e2),
	}, nil
}

// Project converts a geodetic point to projected easting/northing in meters.
// Points with non-finite coordinates or latitudes beyond the projectable
// range return an error; callers treat such geometries as unmatchable.
func (p *Projector) Project(pt Point) (r2.Vec, error) {
	if math.IsNaN(pt.Lon) || math.IsInf(pt.Lon, 0) || math.IsNaN(pt.Lat) || math.IsInf(pt.Lat, 0) {
		return r2.Vec{}, fmt.Errorf("non-finite coordinate (%v, %v)", pt.Lon, pt.Lat)
	}
	if pt.Lat < -maxProjectableLat || pt.Lat > maxProjectableLat {
		return r2.Vec{}, fmt.Errorf("latitude %v outside projectable range", pt.Lat)
	}
	if pt.Lon < -180 || pt.Lon > 180 {
		return r2.Vec{}, fmt.Errorf("longitude %v outside valid range", pt.Lon)
	}

	lat := pt.Lat * math.Pi / 180
	lon := pt.Lon * math.Pi / 180

	sinLat := math.Sin(lat)
	cosLat := math.Cos(lat)
	tanLat := math.Tan(lat)

	n := wgs84A / math.Sqrt(1-p.e2*sinLat*sinLat)
	t := tanLat * tanLat
	c := p.ep2 * cosLat * cosLat
	a := (lon - p.lon0) * cosLat

	m := p.meridionalArc(lat)

	easting := utmK0*n*(a+
		(1-t+c)*a*a*a/6+
		(5-18*t+t*t+72*c-58*p.ep2)*a*a*a*a*a/120) + 500000

	northing := utmK0 * (m + n*tanLat*(a*a/2+
		(5-t+9*c+4*c*c)*a*a*a*a/24+
		(61-58*t+t*t+600*c-330*p.ep2)*a*a*a*a*a*a/720))
	if pt.Lat < 0 {
		northing += 10000000
	}

	return r2.Vec{X: easting, Y: northing}, nil
}

// ProjectPath projects every vertex of a path. The whole path is rejected if
// any vertex fails, since a partially projected path cannot be measured.
func (p *Projector) ProjectPath(path Path) ([]r2.Vec, error) {
	out := make([]r2.Vec, len(path))
	for i, pt := range path {
		v, err := p.Project(pt)
		if err != nil {
			return nil, fmt.Errorf("vertex %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// meridionalArc returns the distance along the meridian from the equator to
// latitude lat (radians), using the standard series expansion.
func (p *Projector) meridionalArc(lat float64) float64 {
	e2 := p.e2
	e4 := e2 * e2
	e6 := e4 * e2
	return wgs84A * ((1-e2/4-3*e4/64-5*e6/256)*lat -
		(3*e2/8+3*e4/32+45*e6/1024)*math.Sin(2*lat) +
		(15*e4/256+45*e6/1024)*math.Sin(4*lat) -
		(35*e6/3072)*math.Sin(6*lat))
}
