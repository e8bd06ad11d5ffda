package db

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"
)

// ReconcileMode selects how a detection pass is merged into the ledger.
type ReconcileMode string

const (
	// ModeRebuild discards every stored collision before inserting the new
	// candidate set. The ledger then reflects exactly the latest pass.
	ModeRebuild ReconcileMode = "rebuild"

	// ModeAppend keeps existing collisions (including their published state)
	// and inserts only candidate pairs not already live.
	ModeAppend ReconcileMode = "append"
)

// Candidate is a detected (situation, route) proximity pair with the
// situation's coordinates captured at detection time.
type Candidate struct {
	SituationID string
	RouteID     int64
	Lon         float64
	Lat         float64
}

// Key identifies a collision by its natural pair key.
type Key struct {
	SituationID string
	RouteID     int64
}

// ReconcileCollisions merges the candidate set into the ledger in a single
// transaction: either the whole pass commits or none of it does. Candidates
// repeated within the input are inserted once and counted as skipped.
func (db *DB) ReconcileCollisions(ctx context.Context, candidates []Candidate, toleranceMeters float64, mode ReconcileMode) (created, skipped int, err error) {
	if mode != ModeRebuild && mode != ModeAppend {
		return 0, 0, fmt.Errorf("unknown reconcile mode %q", mode)
	}

	tx, err := db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	live := make(map[Key]bool)
	if mode == ModeRebuild {
		if _, err := tx.ExecContext(ctx, `DELETE FROM detected_collisions`); err != nil {
			return 0, 0, fmt.Errorf("failed to clear collision ledger: %w", err)
		}
	} else {
		rows, err := tx.QueryContext(ctx, `SELECT situation_id, route_id FROM detected_collisions`)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to read live collision keys: %w", err)
		}
		for rows.Next() {
			var k Key
			if err := rows.Scan(&k.SituationID, &k.RouteID); err != nil {
				rows.Close()
				return 0, 0, err
			}
			live[k] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return 0, 0, err
		}
		rows.Close()
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO detected_collisions (
			situation_id, route_id, situation_lon, situation_lat,
			tolerance_meters, detection_timestamp, published
		) VALUES (?, ?, ?, ?, ?, ?, 0)`)
	if err != nil {
		return 0, 0, err
	}
	defer stmt.Close()

	now := float64(time.Now().UTC().UnixNano()) / 1e9
	seen := make(map[Key]bool)
	for _, c := range candidates {
		k := Key{SituationID: c.SituationID, RouteID: c.RouteID}
		if live[k] || seen[k] {
			skipped++
			continue
		}
		if _, err := stmt.ExecContext(ctx, c.SituationID, c.RouteID, c.Lon, c.Lat, toleranceMeters, now); err != nil {
			return 0, 0, fmt.Errorf("failed to insert collision %s/%d: %w", c.SituationID, c.RouteID, err)
		}
		seen[k] = true
		created++
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit reconciliation: %w", err)
	}
	return created, skipped, nil
}

// UnpublishedCollision is an unpublished ledger entry joined with the
// attributes the publish payload denormalizes. The joined attributes are
// pointers: the related situation or route may have been purged between
// detection and publication.
type UnpublishedCollision struct {
	ID              int64
	SituationID     string
	RouteID         int64
	Lon             float64
	Lat             float64
	ToleranceMeters float64
	DetectedAt      time.Time

	Severity   *string
	FilterUsed *string
	Comment    *string
	RouteCode  *string
}

// UnpublishedCollisions returns every collision not yet confirmed delivered,
// oldest detection first so subscribers see events in chronological order.
func (db *DB) UnpublishedCollisions(ctx context.Context) ([]UnpublishedCollision, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.id, c.situation_id, c.route_id, c.situation_lon, c.situation_lat,
		       c.tolerance_meters, c.detection_timestamp,
		       s.severity, s.filter_used, s.comment, r.route_code
		FROM detected_collisions c
		LEFT JOIN vts_situations s ON s.situation_id = c.situation_id
		LEFT JOIN bus_routes r ON r.id = c.route_id
		WHERE c.published = 0
		ORDER BY c.detection_timestamp, c.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UnpublishedCollision
	for rows.Next() {
		var c UnpublishedCollision
		var detectedAt float64
		if err := rows.Scan(
			&c.ID, &c.SituationID, &c.RouteID, &c.Lon, &c.Lat,
			&c.ToleranceMeters, &detectedAt,
			&c.Severity, &c.FilterUsed, &c.Comment, &c.RouteCode,
		); err != nil {
			return nil, err
		}
		c.DetectedAt = unixToTime(detectedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkCollisionsPublished flips published on the given ledger ids in one
// transaction. The published = 0 guard keeps a concurrent marker from being
// double-counted. Returns how many rows this call actually flipped.
func (db *DB) MarkCollisionsPublished(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE detected_collisions SET published = 1
		WHERE id = ? AND published = 0`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var marked int64
	for _, id := range ids {
		res, err := stmt.ExecContext(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("failed to mark collision %d published: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		marked += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit publish marks: %w", err)
	}
	return marked, nil
}

// CollisionRow is a stored collision as exposed by the query API,
// independent of published state.
type CollisionRow struct {
	ID              int64     `json:"id"`
	SituationID     string    `json:"situation_id"`
	RouteID         int64     `json:"route_id"`
	Lon             float64   `json:"lon"`
	Lat             float64   `json:"lat"`
	ToleranceMeters float64   `json:"tolerance"`
	DetectedAt      time.Time `json:"detection_timestamp"`
}

// AllCollisions returns every stored collision, newest detection first.
func (db *DB) AllCollisions(ctx context.Context) ([]CollisionRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, situation_id, route_id, situation_lon, situation_lat,
		       tolerance_meters, detection_timestamp
		FROM detected_collisions
		ORDER BY detection_timestamp DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CollisionRow
	for rows.Next() {
		var c CollisionRow
		var detectedAt float64
		if err := rows.Scan(
			&c.ID, &c.SituationID, &c.RouteID, &c.Lon, &c.Lat,
			&c.ToleranceMeters, &detectedAt,
		); err != nil {
			return nil, err
		}
		c.DetectedAt = unixToTime(detectedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteAllCollisions empties the ledger. Returns the removed row count.
func (db *DB) DeleteAllCollisions(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM detected_collisions`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func unixToTime(sec float64) time.Time {
	s, frac := math.Modf(sec)
	return time.Unix(int64(s), int64(frac*1e9)).UTC()
}
