// Package orchestrator wires plan compilation, distribution, the
// container manager, aggregation, and analysis into the single Run entry
// point.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/cole20444/load-opt-agent/internal/aggregate"
	"github.com/cole20444/load-opt-agent/internal/analyze"
	"github.com/cole20444/load-opt-agent/internal/blob"
	"github.com/cole20444/load-opt-agent/internal/distribute"
	"github.com/cole20444/load-opt-agent/internal/manager"
	"github.com/cole20444/load-opt-agent/internal/plan"
	"github.com/cole20444/load-opt-agent/internal/provider"
	"github.com/cole20444/load-opt-agent/internal/stats"
	"github.com/cole20444/load-opt-agent/internal/telemetry"
)

// Status is the overall outcome of a run.
type Status string

const (
	StatusOK        Status = "ok"
	StatusDegraded  Status = "degraded" // some workers failed, data is partial
	StatusFailed    Status = "failed"   // no worker succeeded
	StatusCancelled Status = "cancelled"
)

// Outcome is what Run always returns, whatever happened.
type Outcome struct {
	RunID             string           `json:"run_id"`
	Status            Status           `json:"status"`
	WorkerStates      []manager.Handle `json:"terminal_worker_states"`
	SummaryLocation   string           `json:"canonical_summary_location,omitempty"`
	Report            *analyze.Report  `json:"report,omitempty"`
	OrchestratorError string           `json:"orchestrator_error,omitempty"`

	infraFailure bool
}

// Process exit codes.
const (
	ExitOK          = 0
	ExitDegraded    = 2
	ExitFailed      = 3
	ExitCancelled   = 4
	ExitInvalidPlan = 5
	ExitInfra       = 6
)

// ExitCode maps the outcome onto the process exit contract.
func (o *Outcome) ExitCode() int {
	switch {
	case o.Status == StatusCancelled:
		return ExitCancelled
	case o.infraFailure:
		return ExitInfra
	case o.Status == StatusFailed:
		return ExitFailed
	case o.Status == StatusDegraded:
		return ExitDegraded
	default:
		return ExitOK
	}
}

// ExitCodeForError maps a Run error (no outcome produced) onto the exit
// contract.
func ExitCodeForError(err error) int {
	var verr *plan.ValidationError
	var derr *distribute.InvalidDistributionError
	if errors.As(err, &verr) || errors.As(err, &derr) {
		return ExitInvalidPlan
	}
	return ExitInfra
}

// Options tunes the orchestrator.
type Options struct {
	// HardDeadline caps the whole run; zero means max(10m, 4x duration).
	HardDeadline time.Duration
	Manager      manager.Options
}

// Orchestrator owns one run at a time.
type Orchestrator struct {
	provider provider.Provider
	store    blob.Store
	logger   *zap.Logger
	metrics  *telemetry.Metrics
	opts     Options
}

// New creates an orchestrator. metrics may be nil.
func New(p provider.Provider, store blob.Store, logger *zap.Logger, metrics *telemetry.Metrics, opts Options) *Orchestrator {
	return &Orchestrator{provider: p, store: store, logger: logger, metrics: metrics, opts: opts}
}

// HardDeadlineFor floors the run deadline at ten minutes so short tests
// still get room for provisioning and teardown.
func HardDeadlineFor(duration time.Duration) time.Duration {
	d := 4 * duration
	if d < 10*time.Minute {
		d = 10 * time.Minute
	}
	return d
}

// Run executes the full plan lifecycle and always produces an Outcome
// unless the plan itself is invalid.
func (o *Orchestrator) Run(ctx context.Context, in plan.Input) (*Outcome, error) {
	p, err := plan.Compile(in)
	if err != nil {
		return nil, err
	}

	assignments, err := distribute.ForPlan(p)
	if err != nil {
		return nil, err
	}

	o.logger.Info("starting run",
		zap.String("run_id", p.RunID),
		zap.String("target", p.TargetURL),
		zap.Int("total_vus", p.TotalVUs),
		zap.Int("workers", len(assignments)),
		zap.Duration("duration", p.Duration))

	deadline := o.opts.HardDeadline
	if deadline <= 0 {
		deadline = HardDeadlineFor(p.Duration)
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	mgr := manager.New(o.provider, o.store, o.logger, o.metrics, o.opts.Manager)
	handles := mgr.Run(runCtx, assignments)

	cancelled := ctx.Err() != nil
	deadlineExceeded := !cancelled && runCtx.Err() != nil

	outcome := &Outcome{
		RunID:        p.RunID,
		WorkerStates: handles,
	}

	successful := 0
	for _, h := range handles {
		if h.State == manager.StateSucceeded {
			successful++
		}
	}

	switch {
	case cancelled || deadlineExceeded:
		outcome.Status = StatusCancelled
	case successful == 0:
		outcome.Status = StatusFailed
	case successful < len(handles):
		outcome.Status = StatusDegraded
	default:
		outcome.Status = StatusOK
	}

	// Aggregation and the report must land even when the run context is
	// dead; give the post-run phase its own bounded window.
	postCtx := runCtx
	if runCtx.Err() != nil {
		var postCancel context.CancelFunc
		postCtx, postCancel = context.WithTimeout(context.Background(), 2*time.Minute)
		defer postCancel()
	}

	agg := aggregate.New(o.store, o.logger, o.metrics)
	summary, aggErr := agg.Aggregate(postCtx, p, handles)
	switch {
	case errors.Is(aggErr, aggregate.ErrStoreUnreachable):
		outcome.OrchestratorError = "blob store unreachable"
		outcome.infraFailure = true
		summary = &aggregate.Summary{
			RunID:    p.RunID,
			TestKind: p.TestKind,
			Metrics:  map[string]stats.SeriesStats{},
			Manifest: &aggregate.Manifest{WorkerCount: len(handles), Partial: true},
		}
	case errors.Is(aggErr, aggregate.ErrUpload):
		outcome.OrchestratorError = "blob store unavailable for summary upload"
	case aggErr != nil:
		outcome.OrchestratorError = aggErr.Error()
	}

	if summary != nil {
		outcome.SummaryLocation = blob.ObjectName(p.RunID, "aggregated_summary.json")

		report := analyze.Analyze(summary, analyze.Context{
			TestKind:          p.TestKind,
			TargetURL:         p.TargetURL,
			DurationS:         p.Duration.Seconds(),
			TotalVUs:          p.TotalVUs,
			WorkerCount:       len(handles),
			SuccessfulWorkers: successful,
			Cancelled:         cancelled,
			DeadlineExceeded:  deadlineExceeded,
		})
		outcome.Report = report
		o.uploadReport(postCtx, p, report)
	}

	o.logger.Info("run finished",
		zap.String("run_id", p.RunID),
		zap.String("status", string(outcome.Status)),
		zap.Int("successful_workers", successful),
		zap.Int("worker_count", len(handles)))
	return outcome, nil
}

// uploadReport is best-effort; the caller already holds the report
// in-memory.
func (o *Orchestrator) uploadReport(ctx context.Context, p *plan.RunPlan, report *analyze.Report) {
	data, err := analyze.Marshal(report)
	if err != nil {
		o.logger.Error("marshal report", zap.Error(err))
		return
	}
	name := blob.ObjectName(p.RunID, "performance_report.json")
	err = o.store.Put(ctx, p.BlobNamespace, name, bytes.NewReader(data))
	o.metrics.CountBlobOp("put", err)
	if err != nil {
		o.logger.Warn("failed to upload performance report", zap.Error(err))
	}
}
