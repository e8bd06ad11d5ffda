package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rtm-vts/vts-collisions/internal/geo"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create test DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func strPtr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }

// mustSituation inserts a point situation for collision FK targets.
func mustSituation(t *testing.T, db *DB, situationID string, lon, lat float64) {
	t.Helper()
	err := db.UpsertSituation(context.Background(), &Situation{
		SituationID: situationID,
		Severity:    strPtr("highest"),
		Lon:         floatPtr(lon),
		Lat:         floatPtr(lat),
	})
	if err != nil {
		t.Fatalf("UpsertSituation failed: %v", err)
	}
}

// mustRoute inserts a two-point route and returns its id.
func mustRoute(t *testing.T, db *DB, code string, path geo.Path) int64 {
	t.Helper()
	id, err := db.InsertRoute(context.Background(), strPtr(code), path, nil)
	if err != nil {
		t.Fatalf("InsertRoute failed: %v", err)
	}
	return id
}
