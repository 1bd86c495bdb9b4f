// Package reconcile runs the full desired-state pipeline: build the
// manifest context, render it, converge the container runtime, discover
// assigned host ports, and publish them to the reverse proxy.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/MJJoyce/memex-explorer/internal/config"
	"github.com/MJJoyce/memex-explorer/internal/domain"
	"github.com/MJJoyce/memex-explorer/internal/manifest"
	apperrors "github.com/MJJoyce/memex-explorer/internal/pkg/errors"
	"github.com/MJJoyce/memex-explorer/internal/pkg/logger"
	"github.com/MJJoyce/memex-explorer/internal/proxy"
	"github.com/MJJoyce/memex-explorer/internal/render"
	"github.com/MJJoyce/memex-explorer/internal/runtime"
	"github.com/MJJoyce/memex-explorer/internal/store"
)

// Result is the record of one reconciliation run, kept for the ops surface.
type Result struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	// Stage is the furthest pipeline stage reached.
	Stage string `json:"stage"`
	// ConvergeOutput is the runtime's textual output from the up call.
	ConvergeOutput string               `json:"converge_output,omitempty"`
	Mappings       []domain.PortMapping `json:"mappings,omitempty"`
	// Skipped lists running containers discovery passed over and why.
	Skipped []string `json:"skipped,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// Succeeded reports whether the run finished without errors.
func (r *Result) Succeeded() bool { return len(r.Errors) == 0 }

// Reconciler is the single entry point of the pipeline.
//
// Runs are serialized two ways: the job queue that triggers reconciliation
// runs at most one reconcile job at a time across the deployment, and the
// mutex here covers direct invocations (ops endpoint, startup run) in the
// same process. The manifest file, proxy config and runtime state are
// host-wide singletons; two concurrent runs would race on all three.
type Reconciler struct {
	store      store.Store
	driver     *runtime.ComposeDriver
	publisher  *proxy.Publisher
	dispatcher *domain.EventDispatcher
	deploy     config.DeployConfig

	mu sync.Mutex

	lastMu sync.RWMutex
	last   *Result
}

// NewReconciler creates a reconciler. The dispatcher may be nil.
func NewReconciler(
	st store.Store,
	driver *runtime.ComposeDriver,
	publisher *proxy.Publisher,
	dispatcher *domain.EventDispatcher,
	deploy config.DeployConfig,
) *Reconciler {
	return &Reconciler{
		store:      st,
		driver:     driver,
		publisher:  publisher,
		dispatcher: dispatcher,
		deploy:     deploy,
	}
}

// Run executes the pipeline once.
//
// Manifest build, render and converge failures are fatal: the runtime was
// not (or only partially) told about the desired state, so discovery would
// report stale facts. Per-container discovery failures are aggregated and
// do not stop publication of the mappings that were discovered. Publish
// failures are fatal but never roll back the converge that already
// happened; the next run rewrites everything from scratch anyway.
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := &Result{StartedAt: time.Now().UTC()}
	err := r.run(ctx, res)
	res.FinishedAt = time.Now().UTC()
	if err != nil {
		res.Errors = append(res.Errors, multierrMessages(err)...)
	}

	r.lastMu.Lock()
	r.last = res
	r.lastMu.Unlock()

	r.publishOutcome(ctx, res)
	if err != nil {
		logger.Error("Reconciliation failed",
			zap.String("stage", res.Stage),
			zap.Duration("duration", res.FinishedAt.Sub(res.StartedAt)),
			zap.Error(err),
		)
		return res, err
	}
	logger.Info("Reconciliation completed",
		zap.Int("mappings", len(res.Mappings)),
		zap.Int("skipped", len(res.Skipped)),
		zap.Duration("duration", res.FinishedAt.Sub(res.StartedAt)),
	)
	return res, nil
}

func (r *Reconciler) run(ctx context.Context, res *Result) error {
	res.Stage = apperrors.StageManifest
	snap, err := r.store.Snapshot(ctx)
	if err != nil {
		return err
	}
	doc, err := manifest.BuildComposeContext(snap)
	if err != nil {
		return err
	}

	res.Stage = apperrors.StageRender
	if err := render.Fill(r.deploy.ComposeTemplatePath, r.deploy.ComposePath, doc); err != nil {
		return err
	}

	res.Stage = apperrors.StageConverge
	out, err := r.driver.Converge(ctx)
	res.ConvergeOutput = string(out)
	if err != nil {
		return err
	}

	res.Stage = apperrors.StageDiscover
	mappings, skipped, discoverErr := r.driver.Discover(ctx, snap)
	res.Mappings = mappings
	res.Skipped = skipped

	res.Stage = apperrors.StagePublish
	publishErr := r.publisher.Publish(ctx, mappings)

	return multierr.Combine(discoverErr, publishErr)
}

// LastResult returns the most recent run's result, or nil before the first
// run.
func (r *Reconciler) LastResult() *Result {
	r.lastMu.RLock()
	defer r.lastMu.RUnlock()
	return r.last
}

func (r *Reconciler) publishOutcome(ctx context.Context, res *Result) {
	if r.dispatcher == nil {
		return
	}
	eventType := domain.EventReconcileCompleted
	payload := domain.ReconcilePayload{Stage: res.Stage, Mappings: len(res.Mappings)}
	if !res.Succeeded() {
		eventType = domain.EventReconcileFailed
		payload.Error = res.Errors[0]
	}
	body, err := payload.ToJSON()
	if err != nil {
		logger.Error("Failed to encode reconcile outcome payload", zap.Error(err))
		return
	}
	event := &domain.Event{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Payload:   body,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.dispatcher.Dispatch(ctx, event); err != nil {
		logger.Error("Reconcile outcome event delivery failed", zap.Error(err))
	}
}

func multierrMessages(err error) []string {
	errs := multierr.Errors(err)
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Error()
	}
	return out
}
