// Package orchestrate sequences one pipeline invocation: refresh the
// geometry data, detect and reconcile collisions, then publish. Detection
// failures abort the run; publish failures degrade it and self-heal on the
// next scheduled invocation.
package orchestrate

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/rtm-vts/vts-collisions/internal/db"
	"github.com/rtm-vts/vts-collisions/internal/detect"
	"github.com/rtm-vts/vts-collisions/internal/monitoring"
	"github.com/rtm-vts/vts-collisions/internal/publish"
)

// Fetcher refreshes the situation and route datasets before a pass. The
// upstream feed clients live outside this module; the GeoJSON importer is
// the in-repo implementation.
type Fetcher interface {
	Fetch(ctx context.Context) error
}

// Outcome classifies a finished run for the process exit status.
type Outcome int

const (
	Success Outcome = iota
	DetectionFailed
	PublishDegraded
)

// ExitCode maps the outcome to the scheduler-visible exit status.
func (o Outcome) ExitCode() int {
	switch o {
	case DetectionFailed:
		return 1
	case PublishDegraded:
		return 2
	default:
		return 0
	}
}

func (o Outcome) String() string {
	switch o {
	case DetectionFailed:
		return "detection_failed"
	case PublishDegraded:
		return "publish_degraded"
	default:
		return "success"
	}
}

// Metadata keys recorded after every run.
const (
	MetaLastRunID     = "last_run_id"
	MetaLastRunAt     = "last_run_at"
	MetaLastRunStatus = "last_run_status"
)

// Runner drives the fetch -> detect/reconcile -> publish sequence once.
type Runner struct {
	Fetcher   Fetcher // optional; nil skips the refresh stage
	Detector  *detect.Detector
	Ledger    *db.DB
	Pipeline  *publish.Pipeline
	Tolerance float64
	Mode      db.ReconcileMode
	Output    io.Writer
}

// Run executes one full pass and reports its outcome. The returned error
// carries the failure detail for fatal outcomes; degraded runs return the
// publish-stage error alongside PublishDegraded.
func (r *Runner) Run(ctx context.Context) (Outcome, error) {
	runID := uuid.NewString()
	started := time.Now().UTC()
	fmt.Fprintf(r.Output, "Starting collision pipeline run %s\n", runID)

	if r.Fetcher != nil {
		if err := r.Fetcher.Fetch(ctx); err != nil {
			r.recordRun(ctx, runID, started, DetectionFailed)
			return DetectionFailed, fmt.Errorf("fetch stage failed: %w", err)
		}
		fmt.Fprintf(r.Output, "-> fetch completed\n")
	}

	candidates, stats, err := r.Detector.Detect(ctx, r.Tolerance)
	if err != nil {
		r.recordRun(ctx, runID, started, DetectionFailed)
		return DetectionFailed, fmt.Errorf("detection stage failed: %w", err)
	}
	fmt.Fprintf(r.Output, "-> detected %d candidate pairs (%d situations, %d routes, %d skipped geometries)\n",
		len(candidates), stats.Situations, stats.Routes, stats.SkippedGeometries)

	created, skipped, err := r.Ledger.ReconcileCollisions(ctx, candidates, r.Tolerance, r.Mode)
	if err != nil {
		r.recordRun(ctx, runID, started, DetectionFailed)
		return DetectionFailed, fmt.Errorf("reconciliation stage failed: %w", err)
	}
	fmt.Fprintf(r.Output, "-> reconciled ledger (%s mode): %d created, %d skipped\n", r.Mode, created, skipped)

	report, err := r.Pipeline.Run(ctx)
	fmt.Fprintf(r.Output, "-> publish: %s\n", report)
	if err != nil {
		// The ledger is intact and unconfirmed records stay unpublished; the
		// next scheduled run retries them.
		r.recordRun(ctx, runID, started, PublishDegraded)
		return PublishDegraded, fmt.Errorf("publish stage degraded: %w", err)
	}

	r.recordRun(ctx, runID, started, Success)
	fmt.Fprintf(r.Output, "Run %s finished in %s\n", runID, time.Since(started).Round(time.Millisecond))
	return Success, nil
}

// recordRun stores run metadata for operators. Failures here only log; run
// bookkeeping never changes the run's outcome.
func (r *Runner) recordRun(ctx context.Context, runID string, started time.Time, outcome Outcome) {
	for key, value := range map[string]string{
		MetaLastRunID:     runID,
		MetaLastRunAt:     started.Format(time.RFC3339),
		MetaLastRunStatus: outcome.String(),
	} {
		if err := r.Ledger.SetMetadata(ctx, key, value); err != nil {
			monitoring.Logf("orchestrate: failed to record %s: %v", key, err)
			return
		}
	}
}
