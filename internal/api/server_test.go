package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rtm-vts/vts-collisions/internal/db"
	"github.com/rtm-vts/vts-collisions/internal/geo"
	"github.com/rtm-vts/vts-collisions/internal/orchestrate"
)

func setupServer(t *testing.T) (*db.DB, http.Handler) {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database, NewServer(database).Routes()
}

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestCollisionsEndpoint(t *testing.T) {
	ctx := context.Background()
	database, handler := setupServer(t)

	// Empty table serves an empty list, not null.
	rec := get(t, handler, "/api/collisions")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); body != "[]\n" {
		t.Errorf("empty ledger should serve [], got %q", body)
	}

	lon, lat := 18.9, 69.6
	if err := database.UpsertSituation(ctx, &db.Situation{SituationID: "S1", Lon: &lon, Lat: &lat}); err != nil {
		t.Fatalf("UpsertSituation failed: %v", err)
	}
	routeID, err := database.InsertRoute(ctx, nil, geo.Path{{Lon: 18.89, Lat: 69.6}, {Lon: 18.91, Lat: 69.6}}, nil)
	if err != nil {
		t.Fatalf("InsertRoute failed: %v", err)
	}
	if _, _, err := database.ReconcileCollisions(ctx,
		[]db.Candidate{{SituationID: "S1", RouteID: routeID, Lon: lon, Lat: lat}},
		300, db.ModeAppend); err != nil {
		t.Fatalf("ReconcileCollisions failed: %v", err)
	}

	rec = get(t, handler, "/api/collisions")
	var rows []db.CollisionRow
	decodeBody(t, rec, &rows)
	if len(rows) != 1 || rows[0].SituationID != "S1" || rows[0].RouteID != routeID {
		t.Errorf("unexpected collisions payload: %+v", rows)
	}
}

func TestSituationsEndpointGeoJSON(t *testing.T) {
	ctx := context.Background()
	database, handler := setupServer(t)

	lon, lat := 18.9, 69.6
	sev := "highest"
	if err := database.UpsertSituation(ctx, &db.Situation{
		SituationID: "S1", Severity: &sev, Lon: &lon, Lat: &lat,
	}); err != nil {
		t.Fatalf("UpsertSituation failed: %v", err)
	}
	encoded, err := geo.EncodePath(geo.Path{{Lon: 19.0, Lat: 69.7}, {Lon: 19.1, Lat: 69.75}})
	if err != nil {
		t.Fatalf("EncodePath failed: %v", err)
	}
	if err := database.UpsertSituation(ctx, &db.Situation{SituationID: "S2", Path: &encoded}); err != nil {
		t.Fatalf("UpsertSituation failed: %v", err)
	}

	rec := get(t, handler, "/api/situations")
	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			Type     string `json:"type"`
			Geometry *struct {
				Type        string          `json:"type"`
				Coordinates json.RawMessage `json:"coordinates"`
			} `json:"geometry"`
			Properties map[string]interface{} `json:"properties"`
		} `json:"features"`
	}
	decodeBody(t, rec, &fc)
	if fc.Type != "FeatureCollection" || len(fc.Features) != 2 {
		t.Fatalf("unexpected collection: type=%q features=%d", fc.Type, len(fc.Features))
	}

	kinds := map[string]string{}
	for _, f := range fc.Features {
		id, _ := f.Properties["situation_id"].(string)
		if f.Geometry != nil {
			kinds[id] = f.Geometry.Type
		}
	}
	if kinds["S1"] != "Point" || kinds["S2"] != "LineString" {
		t.Errorf("unexpected geometry types: %v", kinds)
	}
}

func TestRoutesEndpointGeoJSON(t *testing.T) {
	ctx := context.Background()
	database, handler := setupServer(t)

	code := "34"
	if _, err := database.InsertRoute(ctx, &code,
		geo.Path{{Lon: 18.9, Lat: 69.6}, {Lon: 18.95, Lat: 69.61}}, nil); err != nil {
		t.Fatalf("InsertRoute failed: %v", err)
	}

	rec := get(t, handler, "/api/routes")
	var fc struct {
		Features []struct {
			Geometry struct {
				Type        string       `json:"type"`
				Coordinates [][2]float64 `json:"coordinates"`
			} `json:"geometry"`
			Properties map[string]interface{} `json:"properties"`
		} `json:"features"`
	}
	decodeBody(t, rec, &fc)
	if len(fc.Features) != 1 {
		t.Fatalf("expected 1 route feature, got %d", len(fc.Features))
	}
	f := fc.Features[0]
	if f.Geometry.Type != "LineString" || len(f.Geometry.Coordinates) != 2 {
		t.Errorf("unexpected geometry: %+v", f.Geometry)
	}
	if rc, _ := f.Properties["route_code"].(string); rc != "34" {
		t.Errorf("route_code = %v", f.Properties["route_code"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	ctx := context.Background()
	database, handler := setupServer(t)

	if err := database.SetMetadata(ctx, orchestrate.MetaLastRunStatus, "success"); err != nil {
		t.Fatalf("SetMetadata failed: %v", err)
	}

	rec := get(t, handler, "/api/status")
	var status map[string]string
	decodeBody(t, rec, &status)
	if status[orchestrate.MetaLastRunStatus] != "success" {
		t.Errorf("unexpected status payload: %v", status)
	}
	if status["version"] == "" {
		t.Error("status payload must carry the build version")
	}
	// Unset keys are served as empty strings.
	if v, ok := status[orchestrate.MetaLastRunID]; !ok || v != "" {
		t.Errorf("unset key should be present and empty, got %q (present=%v)", v, ok)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, handler := setupServer(t)
	for _, path := range []string{"/api/collisions", "/api/situations", "/api/routes", "/api/status"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST %s = %d, want 405", path, rec.Code)
		}
	}
}
