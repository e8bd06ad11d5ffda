package db

import (
	"context"
	"fmt"
	"time"

	"github.com/rtm-vts/vts-collisions/internal/geo"
)

// Route is a stored bus route geometry. RouteCode may be unset for legacy
// imports that predate route identifiers in the source data.
type Route struct {
	ID        int64
	RouteCode *string
	Path      string // encoded coordinate list, see geo.EncodePath
	Bounds    geo.BBox
	Version   *string

	// Unix seconds of the last import touching this row.
	LastUpdated float64
}

// RoutePath is the slice of a route the proximity detector needs.
type RoutePath struct {
	ID   int64
	Path string
}

// InsertRoute stores a route geometry, precomputing its bounding box for the
// SQL prefilter. Returns the new row id.
func (db *DB) InsertRoute(ctx context.Context, routeCode *string, path geo.Path, version *string) (int64, error) {
	encoded, err := geo.EncodePath(path)
	if err != nil {
		return 0, fmt.Errorf("failed to encode route path: %w", err)
	}
	bounds := path.Bounds()
	now := float64(time.Now().UTC().UnixNano()) / 1e9

	res, err := db.ExecContext(ctx, `
		INSERT INTO bus_routes (
			route_code, path, min_lon, min_lat, max_lon, max_lat, version, last_updated
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		routeCode, encoded, bounds.MinLon, bounds.MinLat, bounds.MaxLon, bounds.MaxLat,
		version, now,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RoutePathsWithin returns routes whose stored bounding box overlaps the
// area of interest. This is only the cheap prefilter; the detector still
// tests exact path intersection against the area.
func (db *DB) RoutePathsWithin(ctx context.Context, area geo.BBox) ([]RoutePath, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, path
		FROM bus_routes
		WHERE min_lon <= ? AND max_lon >= ?
		  AND min_lat <= ? AND max_lat >= ?
		ORDER BY id`,
		area.MaxLon, area.MinLon, area.MaxLat, area.MinLat,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var routes []RoutePath
	for rows.Next() {
		var r RoutePath
		if err := rows.Scan(&r.ID, &r.Path); err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

// AllRoutes returns every stored route ordered by route code. Used by the
// query API to build the routes GeoJSON feed.
func (db *DB) AllRoutes(ctx context.Context) ([]Route, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, route_code, path, min_lon, min_lat, max_lon, max_lat,
		       version, last_updated
		FROM bus_routes
		ORDER BY route_code, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var routes []Route
	for rows.Next() {
		var r Route
		if err := rows.Scan(
			&r.ID, &r.RouteCode, &r.Path,
			&r.Bounds.MinLon, &r.Bounds.MinLat, &r.Bounds.MaxLon, &r.Bounds.MaxLat,
			&r.Version, &r.LastUpdated,
		); err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

// DeleteAllRoutes removes every route and cascades to collisions referencing
// them. Returns the route count.
func (db *DB) DeleteAllRoutes(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM bus_routes`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
