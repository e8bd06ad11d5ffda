// Package detect implements the proximity pass between transit situations
// and bus route geometries: bounding-box prefilter in SQL, exact
// area-of-interest intersection, then projected metric distance against a
// tolerance.
package detect

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/rtm-vts/vts-collisions/internal/db"
	"github.com/rtm-vts/vts-collisions/internal/geo"
	"github.com/rtm-vts/vts-collisions/internal/monitoring"
)

// GeometryStore is the read-only view of the geometry tables the detector
// queries. *db.DB satisfies it.
type GeometryStore interface {
	SituationPointsWithin(ctx context.Context, area geo.BBox) ([]db.SituationPoint, error)
	RoutePathsWithin(ctx context.Context, area geo.BBox) ([]db.RoutePath, error)
}

// ConfigError marks failures that make the whole detection pass impossible:
// an unusable store, an invalid area, a non-positive tolerance. The
// orchestrator aborts the run on these rather than retrying in-process.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "configuration error: " + e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// Stats summarizes one detection pass for the run report.
type Stats struct {
	Situations        int // situations surviving the area prefilter
	Routes            int // routes surviving prefilter and exact intersection
	SkippedGeometries int // geometries dropped for decode/projection failures
}

// Detector computes situation/route proximity pairs inside a fixed area of
// interest. All collaborators are passed in at construction so passes are
// reproducible with synthetic stores in tests.
type Detector struct {
	store     GeometryStore
	projector *geo.Projector
	area      geo.BBox
}

func New(store GeometryStore, projector *geo.Projector, area geo.BBox) *Detector {
	return &Detector{store: store, projector: projector, area: area}
}

// Detect returns every (situation, route) pair whose projected distance is
// within toleranceMeters, inclusive. Geometries that cannot be decoded or
// projected are skipped and counted; a store failure aborts the pass with a
// ConfigError.
func (d *Detector) Detect(ctx context.Context, toleranceMeters float64) ([]db.Candidate, Stats, error) {
	var stats Stats

	if toleranceMeters <= 0 {
		return nil, stats, &ConfigError{Err: fmt.Errorf("tolerance must be positive, got %v", toleranceMeters)}
	}
	if !d.area.Valid() {
		return nil, stats, &ConfigError{Err: fmt.Errorf("area of interest has no extent: %+v", d.area)}
	}

	points, err := d.store.SituationPointsWithin(ctx, d.area)
	if err != nil {
		if db.IsSchemaMissing(err) {
			return nil, stats, &ConfigError{Err: fmt.Errorf("database schema is missing, run migrations first: %w", err)}
		}
		return nil, stats, &ConfigError{Err: fmt.Errorf("situation query failed: %w", err)}
	}
	routeRows, err := d.store.RoutePathsWithin(ctx, d.area)
	if err != nil {
		return nil, stats, &ConfigError{Err: fmt.Errorf("route query failed: %w", err)}
	}
	stats.Situations = len(points)

	// Decode and project route paths once; each surviving route is compared
	// against every situation point.
	type projectedRoute struct {
		id   int64
		path []r2.Vec
	}
	routes := make([]projectedRoute, 0, len(routeRows))
	for _, row := range routeRows {
		path, err := geo.DecodePath(row.Path)
		if err != nil {
			stats.SkippedGeometries++
			monitoring.Logf("detect: skipping route %d: %v", row.ID, err)
			continue
		}
		// The SQL prefilter only compares bounding boxes; reject routes
		// whose actual path misses the area.
		if !d.area.IntersectsPath(path) {
			continue
		}
		projected, err := d.projector.ProjectPath(path)
		if err != nil {
			stats.SkippedGeometries++
			monitoring.Logf("detect: skipping route %d: %v", row.ID, err)
			continue
		}
		routes = append(routes, projectedRoute{id: row.ID, path: projected})
	}
	stats.Routes = len(routes)

	var candidates []db.Candidate
	for _, p := range points {
		projectedPoint, err := d.projector.Project(geo.Point{Lon: p.Lon, Lat: p.Lat})
		if err != nil {
			stats.SkippedGeometries++
			monitoring.Logf("detect: skipping situation %s: %v", p.SituationID, err)
			continue
		}
		for _, r := range routes {
			// Inclusive bound: a pair at exactly the tolerance is a match.
			if geo.PointPathDistance(projectedPoint, r.path) <= toleranceMeters {
				candidates = append(candidates, db.Candidate{
					SituationID: p.SituationID,
					RouteID:     r.id,
					Lon:         p.Lon,
					Lat:         p.Lat,
				})
			}
		}
	}
	return candidates, stats, nil
}
