// Package jobs defines River Queue job types for async processing.
package jobs

import (
	"context"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"

	"github.com/MJJoyce/memex-explorer/internal/pkg/logger"
	"github.com/MJJoyce/memex-explorer/internal/reconcile"
)

// QueueReconcile is the dedicated single-worker queue for reconciliation.
// The queue is configured with MaxWorkers 1, which is what makes a run
// mutually exclusive across every process sharing the database — the
// manifest file, the proxy config and the runtime's container state cannot
// tolerate two concurrent writers.
const QueueReconcile = "reconcile"

// ReconcileArgs triggers one full reconciliation run. The pipeline always
// converges the complete desired state, so the args carry only trigger
// provenance for the job row.
type ReconcileArgs struct {
	// EventID is the desired-state change event that triggered the run,
	// empty for periodic and manual triggers.
	EventID string `json:"event_id,omitempty"`
	// Reason is a human-readable trigger description.
	Reason string `json:"reason,omitempty"`
}

// Kind returns the job kind identifier for reconciliation.
func (ReconcileArgs) Kind() string { return "reconcile" }

// InsertOpts coalesces triggers: at most one reconcile job waits in the
// queue at a time. Running is deliberately absent from the unique states so
// a change that arrives mid-run still queues exactly one follow-up run,
// which will observe that change.
func (ReconcileArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueReconcile,
		MaxAttempts: 3,
		UniqueOpts: river.UniqueOpts{
			ByQueue: true,
			ByState: []rivertype.JobState{
				rivertype.JobStateAvailable,
				rivertype.JobStatePending,
				rivertype.JobStateRetryable,
				rivertype.JobStateScheduled,
			},
		},
	}
}

// ReconcileWorker runs the pipeline for reconcile jobs.
type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileArgs]
	reconciler *reconcile.Reconciler
}

// NewReconcileWorker creates a worker bound to the reconciler.
func NewReconcileWorker(reconciler *reconcile.Reconciler) *ReconcileWorker {
	return &ReconcileWorker{reconciler: reconciler}
}

// Work executes one reconciliation run. A returned error lets River retry
// with backoff; the pipeline is idempotent so retries are safe.
func (w *ReconcileWorker) Work(ctx context.Context, job *river.Job[ReconcileArgs]) error {
	logger.Info("Reconcile job started",
		zap.Int64("job_id", job.ID),
		zap.String("event_id", job.Args.EventID),
		zap.String("reason", job.Args.Reason),
		zap.Int("attempt", job.Attempt),
	)

	res, err := w.reconciler.Run(ctx)
	if err != nil {
		logger.Error("Reconcile job failed",
			zap.Int64("job_id", job.ID),
			zap.String("stage", res.Stage),
			zap.Error(err),
		)
		return err
	}

	logger.Info("Reconcile job finished",
		zap.Int64("job_id", job.ID),
		zap.Int("mappings", len(res.Mappings)),
	)
	return nil
}
