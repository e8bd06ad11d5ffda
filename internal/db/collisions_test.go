package db

import (
	"context"
	"testing"

	"github.com/rtm-vts/vts-collisions/internal/geo"
)

// seedPair creates a situation and a route and returns the candidate pairing
// them, ready for reconciliation.
func seedPair(t *testing.T, db *DB, situationID, routeCode string) Candidate {
	t.Helper()
	mustSituation(t, db, situationID, 18.9, 69.6)
	routeID := mustRoute(t, db, routeCode, geo.Path{{Lon: 18.8, Lat: 69.6}, {Lon: 19.0, Lat: 69.6}})
	return Candidate{SituationID: situationID, RouteID: routeID, Lon: 18.9, Lat: 69.6}
}

func liveKeys(t *testing.T, db *DB) map[Key]bool {
	t.Helper()
	rows, err := db.AllCollisions(context.Background())
	if err != nil {
		t.Fatalf("AllCollisions failed: %v", err)
	}
	keys := make(map[Key]bool, len(rows))
	for _, r := range rows {
		keys[Key{SituationID: r.SituationID, RouteID: r.RouteID}] = true
	}
	return keys
}

func TestReconcile_RebuildMatchesCandidateSet(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	c1 := seedPair(t, db, "S1", "R1")
	c2 := seedPair(t, db, "S2", "R2")

	// Seed a stale record that the rebuild must discard.
	if _, _, err := db.ReconcileCollisions(ctx, []Candidate{c1}, 50, ModeRebuild); err != nil {
		t.Fatalf("seed reconcile failed: %v", err)
	}

	created, skipped, err := db.ReconcileCollisions(ctx, []Candidate{c2}, 50, ModeRebuild)
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	if created != 1 || skipped != 0 {
		t.Errorf("rebuild counts: created=%d skipped=%d", created, skipped)
	}

	keys := liveKeys(t, db)
	if len(keys) != 1 || !keys[Key{SituationID: "S2", RouteID: c2.RouteID}] {
		t.Errorf("rebuild ledger should equal the candidate set, got %v", keys)
	}

	// Everything freshly inserted is unpublished.
	unpublished, err := db.UnpublishedCollisions(ctx)
	if err != nil {
		t.Fatalf("UnpublishedCollisions failed: %v", err)
	}
	if len(unpublished) != 1 {
		t.Errorf("expected 1 unpublished record, got %d", len(unpublished))
	}
}

func TestReconcile_AppendIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	c1 := seedPair(t, db, "S1", "R1")
	c2 := seedPair(t, db, "S2", "R2")
	candidates := []Candidate{c1, c2}

	created, skipped, err := db.ReconcileCollisions(ctx, candidates, 50, ModeAppend)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if created != 2 || skipped != 0 {
		t.Errorf("first append: created=%d skipped=%d", created, skipped)
	}

	firstKeys := liveKeys(t, db)

	created, skipped, err = db.ReconcileCollisions(ctx, candidates, 50, ModeAppend)
	if err != nil {
		t.Fatalf("second append failed: %v", err)
	}
	if created != 0 || skipped != 2 {
		t.Errorf("second append must create nothing: created=%d skipped=%d", created, skipped)
	}

	secondKeys := liveKeys(t, db)
	if len(firstKeys) != len(secondKeys) {
		t.Errorf("append is not idempotent: %v vs %v", firstKeys, secondKeys)
	}
}

func TestReconcile_AppendPreservesPublishedState(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	c1 := seedPair(t, db, "S1", "R1")
	if _, _, err := db.ReconcileCollisions(ctx, []Candidate{c1}, 50, ModeAppend); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	unpublished, err := db.UnpublishedCollisions(ctx)
	if err != nil || len(unpublished) != 1 {
		t.Fatalf("expected 1 unpublished: %v, err=%v", unpublished, err)
	}
	if _, err := db.MarkCollisionsPublished(ctx, []int64{unpublished[0].ID}); err != nil {
		t.Fatalf("MarkCollisionsPublished failed: %v", err)
	}

	// Re-reconciling the same candidate must not resurrect it as unpublished.
	if _, _, err := db.ReconcileCollisions(ctx, []Candidate{c1}, 50, ModeAppend); err != nil {
		t.Fatalf("second append failed: %v", err)
	}
	unpublished, err = db.UnpublishedCollisions(ctx)
	if err != nil {
		t.Fatalf("UnpublishedCollisions failed: %v", err)
	}
	if len(unpublished) != 0 {
		t.Errorf("published record must stay published through append, got %d unpublished", len(unpublished))
	}
}

func TestReconcile_DuplicateCandidatesSkipped(t *testing.T) {
	db := setupTestDB(t)

	c1 := seedPair(t, db, "S1", "R1")
	created, skipped, err := db.ReconcileCollisions(context.Background(),
		[]Candidate{c1, c1, c1}, 50, ModeAppend)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if created != 1 || skipped != 2 {
		t.Errorf("duplicate guard: created=%d skipped=%d", created, skipped)
	}
}

func TestReconcile_EmptyCandidateSet(t *testing.T) {
	db := setupTestDB(t)

	created, skipped, err := db.ReconcileCollisions(context.Background(), nil, 50, ModeAppend)
	if err != nil {
		t.Fatalf("nothing-to-insert must not error: %v", err)
	}
	if created != 0 || skipped != 0 {
		t.Errorf("counts for empty input: created=%d skipped=%d", created, skipped)
	}
}

func TestReconcile_UnknownMode(t *testing.T) {
	db := setupTestDB(t)

	if _, _, err := db.ReconcileCollisions(context.Background(), nil, 50, ReconcileMode("upsert")); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestUnpublishedCollisions_OldestFirstWithJoin(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	c1 := seedPair(t, db, "S1", "R1")
	if _, _, err := db.ReconcileCollisions(ctx, []Candidate{c1}, 50, ModeAppend); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	c2 := seedPair(t, db, "S2", "R2")
	if _, _, err := db.ReconcileCollisions(ctx, []Candidate{c2}, 50, ModeAppend); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	unpublished, err := db.UnpublishedCollisions(ctx)
	if err != nil {
		t.Fatalf("UnpublishedCollisions failed: %v", err)
	}
	if len(unpublished) != 2 {
		t.Fatalf("expected 2 unpublished, got %d", len(unpublished))
	}
	if unpublished[0].SituationID != "S1" || unpublished[1].SituationID != "S2" {
		t.Errorf("selection must be oldest first, got %s then %s",
			unpublished[0].SituationID, unpublished[1].SituationID)
	}

	// Join denormalizes situation and route attributes.
	got := unpublished[0]
	if got.Severity == nil || *got.Severity != "highest" {
		t.Errorf("severity not joined: %v", got.Severity)
	}
	if got.RouteCode == nil || *got.RouteCode != "R1" {
		t.Errorf("route code not joined: %v", got.RouteCode)
	}
	if got.ToleranceMeters != 50 {
		t.Errorf("tolerance not captured: %v", got.ToleranceMeters)
	}
	if got.DetectedAt.IsZero() {
		t.Error("detection timestamp missing")
	}
}

func TestMarkCollisionsPublished_GuardAndOneWay(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	c1 := seedPair(t, db, "S1", "R1")
	if _, _, err := db.ReconcileCollisions(ctx, []Candidate{c1}, 50, ModeAppend); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	unpublished, _ := db.UnpublishedCollisions(ctx)
	id := unpublished[0].ID

	marked, err := db.MarkCollisionsPublished(ctx, []int64{id})
	if err != nil {
		t.Fatalf("MarkCollisionsPublished failed: %v", err)
	}
	if marked != 1 {
		t.Errorf("expected 1 marked, got %d", marked)
	}

	// Marking again affects nothing: the published=0 guard holds.
	marked, err = db.MarkCollisionsPublished(ctx, []int64{id})
	if err != nil {
		t.Fatalf("second mark failed: %v", err)
	}
	if marked != 0 {
		t.Errorf("already-published record must not be re-marked, got %d", marked)
	}

	// Published records remain visible to the query API.
	all, err := db.AllCollisions(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("AllCollisions: %v err=%v", all, err)
	}
}

func TestMarkCollisionsPublished_EmptySet(t *testing.T) {
	db := setupTestDB(t)

	marked, err := db.MarkCollisionsPublished(context.Background(), nil)
	if err != nil || marked != 0 {
		t.Errorf("empty mark set: marked=%d err=%v", marked, err)
	}
}
