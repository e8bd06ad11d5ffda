package db

import (
	"context"
	"time"

	"github.com/rtm-vts/vts-collisions/internal/geo"
)

// Situation is a transit situation row as fetched from the upstream VTS
// feed. Attribute fields are nullable upstream, so they are pointers here.
type Situation struct {
	ID          int64
	SituationID string
	Version     *string
	Severity    *string
	Comment     *string
	AreaName    *string
	FilterUsed  *string
	Lon         *float64
	Lat         *float64
	Path        *string // encoded coordinate list, see geo.EncodePath

	// Unix seconds, server-assigned on first insert.
	CreationTime float64
}

// SituationPoint is the slice of a situation the proximity detector needs:
// the stable external key and the representative point.
type SituationPoint struct {
	SituationID string
	Lon         float64
	Lat         float64
}

// UpsertSituation inserts a situation or updates an existing row with the
// same external situation_id. Geometry and attributes are replaced; the
// original creation time is kept.
func (db *DB) UpsertSituation(ctx context.Context, s *Situation) error {
	now := float64(time.Now().UTC().UnixNano()) / 1e9
	_, err := db.ExecContext(ctx, `
		INSERT INTO vts_situations (
			situation_id, version, severity, comment, area_name, filter_used,
			lon, lat, path, creation_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(situation_id) DO UPDATE SET
			version = excluded.version,
			severity = excluded.severity,
			comment = excluded.comment,
			area_name = excluded.area_name,
			filter_used = excluded.filter_used,
			lon = excluded.lon,
			lat = excluded.lat,
			path = excluded.path`,
		s.SituationID, s.Version, s.Severity, s.Comment, s.AreaName, s.FilterUsed,
		s.Lon, s.Lat, s.Path, now,
	)
	return err
}

// SituationPointsWithin returns the situations whose representative point
// lies inside the area of interest. Situations without a point are never
// candidates and are filtered out in SQL.
func (db *DB) SituationPointsWithin(ctx context.Context, area geo.BBox) ([]SituationPoint, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT situation_id, lon, lat
		FROM vts_situations
		WHERE lon IS NOT NULL AND lat IS NOT NULL
		  AND lon BETWEEN ? AND ?
		  AND lat BETWEEN ? AND ?
		ORDER BY situation_id`,
		area.MinLon, area.MaxLon, area.MinLat, area.MaxLat,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []SituationPoint
	for rows.Next() {
		var p SituationPoint
		if err := rows.Scan(&p.SituationID, &p.Lon, &p.Lat); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// AllSituations returns every stored situation, newest first. Used by the
// query API to build the situations GeoJSON feed.
func (db *DB) AllSituations(ctx context.Context) ([]Situation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, situation_id, version, severity, comment, area_name,
		       filter_used, lon, lat, path, creation_time
		FROM vts_situations
		ORDER BY creation_time DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var situations []Situation
	for rows.Next() {
		var s Situation
		if err := rows.Scan(
			&s.ID, &s.SituationID, &s.Version, &s.Severity, &s.Comment,
			&s.AreaName, &s.FilterUsed, &s.Lon, &s.Lat, &s.Path, &s.CreationTime,
		); err != nil {
			return nil, err
		}
		situations = append(situations, s)
	}
	return situations, rows.Err()
}

// DeleteAllSituations removes every situation row and, through the foreign
// key cascade, every collision referencing one. Returns the situation count.
func (db *DB) DeleteAllSituations(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM vts_situations`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
