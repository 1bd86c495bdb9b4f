// Package app is the composition root. Bootstrap stays orchestration-only:
// it wires config, store, pipeline, queue and router together and owns
// nothing else.
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"

	"github.com/MJJoyce/memex-explorer/internal/api/handlers"
	"github.com/MJJoyce/memex-explorer/internal/config"
	"github.com/MJJoyce/memex-explorer/internal/domain"
	"github.com/MJJoyce/memex-explorer/internal/infrastructure"
	"github.com/MJJoyce/memex-explorer/internal/jobs"
	"github.com/MJJoyce/memex-explorer/internal/pkg/worker"
	"github.com/MJJoyce/memex-explorer/internal/proxy"
	"github.com/MJJoyce/memex-explorer/internal/reconcile"
	"github.com/MJJoyce/memex-explorer/internal/runtime"
	"github.com/MJJoyce/memex-explorer/internal/store"
)

// Application holds composed application dependencies.
type Application struct {
	Config     *config.Config
	Router     *gin.Engine
	DB         *infrastructure.DatabaseClients
	Pools      *worker.Pools
	Store      store.Store
	Reconciler *reconcile.Reconciler
	Dispatcher *domain.EventDispatcher
}

// Bootstrap initializes all dependencies using manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	pools, err := worker.NewPools(worker.PoolConfig{
		GeneralPoolSize: cfg.Worker.GeneralPoolSize,
		RuntimePoolSize: cfg.Worker.RuntimePoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("init worker pools: %w", err)
	}

	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		pools.Shutdown()
		return nil, fmt.Errorf("init database: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := db.MigrateRiver(ctx); err != nil {
			db.Close()
			pools.Shutdown()
			return nil, fmt.Errorf("migrate river: %w", err)
		}
	}

	dispatcher := domain.NewEventDispatcher()
	st := store.NewPostgresStore(db.Pool, dispatcher)

	runner := &runtime.ExecRunner{
		UseSudo: cfg.Deploy.UseSudo,
		Timeout: cfg.Deploy.OperationTimeout,
	}
	driver := runtime.NewComposeDriver(runner, st, pools.Runtime, cfg.Deploy)
	publisher := proxy.NewPublisher(runner, cfg.Proxy)
	reconciler := reconcile.NewReconciler(st, driver, publisher, dispatcher, cfg.Deploy)

	workers := river.NewWorkers()
	river.AddWorker(workers, jobs.NewReconcileWorker(reconciler))
	if err := db.InitRiverClient(workers, cfg.River); err != nil {
		db.Close()
		pools.Shutdown()
		return nil, fmt.Errorf("init river workers: %w", err)
	}

	// Every desired-state write becomes a queued reconcile run. The job's
	// unique opts coalesce bursts of changes into a single run.
	dispatcher.Register(domain.EventDesiredStateChanged, func(ctx context.Context, event *domain.Event) error {
		_, err := db.RiverClient.Insert(ctx, jobs.ReconcileArgs{
			EventID: event.EventID,
			Reason:  "desired-state change",
		}, nil)
		return err
	})

	// Periodic reconciliation catches drift the triggers cannot see, e.g.
	// a container runtime restart reassigning host ports. RunOnStart makes
	// the first run happen at boot, so a restarted reconciler immediately
	// re-publishes a correct proxy config.
	if cfg.River.ReconcileInterval > 0 {
		db.RiverClient.PeriodicJobs().Add(
			river.NewPeriodicJob(
				river.PeriodicInterval(cfg.River.ReconcileInterval),
				func() (river.JobArgs, *river.InsertOpts) {
					return jobs.ReconcileArgs{Reason: "periodic"}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		)
	}

	server := handlers.NewServer(handlers.ServerDeps{
		Pool:        db.Pool,
		Store:       st,
		Reconciler:  reconciler,
		RiverClient: db.RiverClient,
		Pools:       pools,
	})

	return &Application{
		Config:     cfg,
		Router:     newRouter(server),
		DB:         db,
		Pools:      pools,
		Store:      st,
		Reconciler: reconciler,
		Dispatcher: dispatcher,
	}, nil
}
