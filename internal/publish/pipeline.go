package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rtm-vts/vts-collisions/internal/db"
	"github.com/rtm-vts/vts-collisions/internal/monitoring"
)

// ErrConfirmTimeout is returned by a Transport when the broker did not
// acknowledge delivery within the configured wait. The record stays
// unpublished and is retried on the next pass; this is deferral, not loss.
var ErrConfirmTimeout = errors.New("publish confirmation timed out")

// Transport is an at-least-once publisher with explicit delivery
// confirmation. Publish must not return nil unless the broker acknowledged
// receipt of the payload.
type Transport interface {
	Connect(ctx context.Context) error
	Publish(topic string, payload []byte) error
	Close()
}

// Ledger is the slice of the collision store the pipeline needs. *db.DB
// satisfies it.
type Ledger interface {
	UnpublishedCollisions(ctx context.Context) ([]db.UnpublishedCollision, error)
	MarkCollisionsPublished(ctx context.Context, ids []int64) (int64, error)
}

// Report summarizes one publish pass. Marked <= Confirmed <= Found always
// holds. MarkErr is set when delivery was confirmed but the marking
// transaction failed, so operators can tell "nothing to send" apart from
// "sent but couldn't record it"; those records are re-delivered next pass.
type Report struct {
	Found     int
	Confirmed int
	Failed    int
	Marked    int
	MarkErr   error
}

func (r Report) String() string {
	s := fmt.Sprintf("found=%d confirmed=%d failed=%d marked=%d",
		r.Found, r.Confirmed, r.Failed, r.Marked)
	if r.MarkErr != nil {
		s += fmt.Sprintf(" mark_error=%q", r.MarkErr)
	}
	return s
}

// Pipeline publishes unpublished ledger entries and marks the confirmed
// ones. Concurrent pipelines are not coordinated in-process; scheduling must
// run at most one at a time.
type Pipeline struct {
	ledger    Ledger
	transport Transport
	baseTopic string
}

func NewPipeline(ledger Ledger, transport Transport, baseTopic string) *Pipeline {
	return &Pipeline{ledger: ledger, transport: transport, baseTopic: baseTopic}
}

// Run selects unpublished collisions oldest-first, publishes each with a
// confirmed delivery, and flips published on the confirmed set in one
// guarded transaction. Individual publish failures are counted and do not
// abort the batch; a returned error means the stage itself failed (selection,
// connection, or marking) and the run should be reported as degraded.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	var report Report

	collisions, err := p.ledger.UnpublishedCollisions(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to select unpublished collisions: %w", err)
	}
	report.Found = len(collisions)
	if report.Found == 0 {
		// Nothing to send; don't touch the broker at all.
		return report, nil
	}

	if err := p.transport.Connect(ctx); err != nil {
		return report, fmt.Errorf("transport connect failed: %w", err)
	}
	defer p.transport.Close()

	var confirmed []int64
	for _, c := range collisions {
		msg := NewMessage(c)
		payload, err := json.Marshal(msg)
		if err != nil {
			report.Failed++
			monitoring.Logf("publish: failed to serialize collision %d: %v", c.ID, err)
			continue
		}

		topic := Topic(p.baseTopic, msg)
		switch err := p.transport.Publish(topic, payload); {
		case err == nil:
			report.Confirmed++
			confirmed = append(confirmed, c.ID)
		case errors.Is(err, ErrConfirmTimeout):
			// Deferred, not failed in the transport sense; it will be
			// retried next pass. Still counted so the summary adds up.
			report.Failed++
			monitoring.Logf("publish: confirmation timed out for collision %d on %s, will retry next run", c.ID, topic)
		default:
			report.Failed++
			monitoring.Logf("publish: failed to publish collision %d on %s: %v", c.ID, topic, err)
		}
	}

	if len(confirmed) == 0 {
		return report, nil
	}

	marked, err := p.ledger.MarkCollisionsPublished(ctx, confirmed)
	if err != nil {
		// Confirmed but unmarked records will be re-published next run:
		// duplicate delivery over lost delivery.
		report.MarkErr = err
		return report, fmt.Errorf("failed to mark %d confirmed collisions: %w", len(confirmed), err)
	}
	report.Marked = int(marked)
	if report.Marked != report.Confirmed {
		monitoring.Logf("publish: marked %d of %d confirmed collisions; remainder already marked concurrently",
			report.Marked, report.Confirmed)
	}
	return report, nil
}
