package publish

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtm-vts/vts-collisions/internal/db"
	"github.com/rtm-vts/vts-collisions/internal/geo"
)

// fakeTransport records published payloads and fails on scripted topics.
type fakeTransport struct {
	connectErr error
	failTopics map[string]error

	connects  int
	closes    int
	published []string // topics in publish order
	payloads  [][]byte
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.connects++
	return f.connectErr
}

func (f *fakeTransport) Publish(topic string, payload []byte) error {
	if err, ok := f.failTopics[topic]; ok {
		return err
	}
	f.published = append(f.published, topic)
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakeTransport) Close() { f.closes++ }

// fakeLedger serves a fixed unpublished set and records marked ids.
type fakeLedger struct {
	collisions []db.UnpublishedCollision
	selectErr  error
	markErr    error

	marked []int64
}

func (f *fakeLedger) UnpublishedCollisions(ctx context.Context) ([]db.UnpublishedCollision, error) {
	return f.collisions, f.selectErr
}

func (f *fakeLedger) MarkCollisionsPublished(ctx context.Context, ids []int64) (int64, error) {
	if f.markErr != nil {
		return 0, f.markErr
	}
	f.marked = append(f.marked, ids...)
	return int64(len(ids)), nil
}

func unpublished(id int64, route string) db.UnpublishedCollision {
	return db.UnpublishedCollision{
		ID:          id,
		SituationID: "s",
		RouteID:     id,
		DetectedAt:  time.Unix(1700000000+id, 0),
		RouteCode:   &route,
	}
}

func TestPipelineRun_ConfirmsAndMarks(t *testing.T) {
	ledger := &fakeLedger{collisions: []db.UnpublishedCollision{
		unpublished(1, "34"),
		unpublished(2, "42"),
	}}
	transport := &fakeTransport{}
	p := NewPipeline(ledger, transport, "vts/collisions")

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Found)
	assert.Equal(t, 2, report.Confirmed)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 2, report.Marked)
	assert.Equal(t, []int64{1, 2}, ledger.marked)
	assert.Equal(t, 1, transport.connects)
	assert.Equal(t, 1, transport.closes)

	wantTopics := []string{
		"vts/collisions/route/34/severity/_unknown_/filter/_unknown_",
		"vts/collisions/route/42/severity/_unknown_/filter/_unknown_",
	}
	if diff := cmp.Diff(wantTopics, transport.published); diff != "" {
		t.Errorf("published topics mismatch (-want +got):\n%s", diff)
	}

	var msg Message
	require.NoError(t, json.Unmarshal(transport.payloads[0], &msg))
	assert.Equal(t, int64(1), msg.CollisionID)
	assert.Equal(t, EventNewCollision, msg.Event)
}

func TestPipelineRun_EmptySetSkipsBroker(t *testing.T) {
	transport := &fakeTransport{connectErr: errors.New("must not be called")}
	p := NewPipeline(&fakeLedger{}, transport, "vts/collisions")

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Found)
	assert.Equal(t, 0, transport.connects)
}

func TestPipelineRun_ConnectFailureAbortsStage(t *testing.T) {
	ledger := &fakeLedger{collisions: []db.UnpublishedCollision{unpublished(1, "34")}}
	transport := &fakeTransport{connectErr: errors.New("broker unreachable")}
	p := NewPipeline(ledger, transport, "vts/collisions")

	_, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, ledger.marked)
}

func TestPipelineRun_TimeoutLeavesRecordForRetry(t *testing.T) {
	ledger := &fakeLedger{collisions: []db.UnpublishedCollision{
		unpublished(1, "34"),
		unpublished(2, "42"),
	}}
	transport := &fakeTransport{failTopics: map[string]error{
		"vts/collisions/route/34/severity/_unknown_/filter/_unknown_": ErrConfirmTimeout,
	}}
	p := NewPipeline(ledger, transport, "vts/collisions")

	report, err := p.Run(context.Background())
	require.NoError(t, err, "a per-message timeout must not fail the stage")
	assert.Equal(t, 2, report.Found)
	assert.Equal(t, 1, report.Confirmed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []int64{2}, ledger.marked, "only the confirmed collision may be marked")
}

func TestPipelineRun_SelectFailure(t *testing.T) {
	p := NewPipeline(&fakeLedger{selectErr: errors.New("disk gone")}, &fakeTransport{}, "t")
	_, err := p.Run(context.Background())
	require.Error(t, err)
}

func TestPipelineRun_MarkFailureIsReported(t *testing.T) {
	ledger := &fakeLedger{
		collisions: []db.UnpublishedCollision{unpublished(1, "34")},
		markErr:    errors.New("database is locked"),
	}
	p := NewPipeline(ledger, &fakeTransport{}, "vts/collisions")

	report, err := p.Run(context.Background())
	require.Error(t, err, "confirmed-but-unmarked must degrade the stage")
	assert.Equal(t, 1, report.Confirmed)
	assert.Equal(t, 0, report.Marked)
	assert.Error(t, report.MarkErr)
}

// Re-delivery against the real ledger: a collision whose confirmation timed
// out stays unpublished and goes out again on the next pass.
func TestPipelineRun_RedeliveryAfterTimeout(t *testing.T) {
	ctx := context.Background()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer database.Close()

	lon, lat := 18.9, 69.6
	require.NoError(t, database.UpsertSituation(ctx, &db.Situation{
		SituationID: "NPRA_1", Lon: &lon, Lat: &lat,
	}))
	code := "34"
	routeID, err := database.InsertRoute(ctx, &code,
		geo.Path{{Lon: 18.89, Lat: 69.601}, {Lon: 18.91, Lat: 69.601}}, nil)
	require.NoError(t, err)

	candidates := []db.Candidate{{SituationID: "NPRA_1", RouteID: routeID, Lon: lon, Lat: lat}}
	created, _, err := database.ReconcileCollisions(ctx, candidates, 300, db.ModeAppend)
	require.NoError(t, err)
	require.Equal(t, 1, created)

	topic := "vts/collisions/route/34/severity/_unknown_/filter/_unknown_"

	// First pass: the broker never acks. The record must survive as
	// unpublished.
	timingOut := &fakeTransport{failTopics: map[string]error{topic: ErrConfirmTimeout}}
	report, err := NewPipeline(database, timingOut, "vts/collisions").Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Found)
	assert.Equal(t, 0, report.Confirmed)

	// Second pass: delivery confirmed, record marked.
	healthy := &fakeTransport{}
	report, err = NewPipeline(database, healthy, "vts/collisions").Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Found, "deferred collision must be re-delivered")
	assert.Equal(t, 1, report.Confirmed)
	assert.Equal(t, 1, report.Marked)
	assert.Equal(t, []string{topic}, healthy.published)

	// Third pass: nothing left to send.
	report, err = NewPipeline(database, &fakeTransport{}, "vts/collisions").Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Found)
}
