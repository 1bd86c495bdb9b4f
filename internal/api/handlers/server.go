// Package handlers implements the ops API of the deployment reconciler.
//
// Desired-state CRUD lives in the admin surface, not here. This API exists
// so operators can probe health, inspect the desired state and the outcome
// of the last reconciliation, trigger a run, and adjust logging at runtime.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"

	"github.com/MJJoyce/memex-explorer/internal/jobs"
	"github.com/MJJoyce/memex-explorer/internal/pkg/logger"
	"github.com/MJJoyce/memex-explorer/internal/pkg/worker"
	"github.com/MJJoyce/memex-explorer/internal/reconcile"
	"github.com/MJJoyce/memex-explorer/internal/store"
)

// Server holds the handler dependencies.
type Server struct {
	pool        *pgxpool.Pool
	store       store.Store
	reconciler  *reconcile.Reconciler
	riverClient *river.Client[pgx.Tx]
	pools       *worker.Pools
}

// ServerDeps holds all dependencies for creating a Server. Manual DI, no
// framework.
type ServerDeps struct {
	// Pool may be nil when running against the in-memory store.
	Pool  *pgxpool.Pool
	Store store.Store
	// Reconciler serves status queries; triggering goes through River.
	Reconciler *reconcile.Reconciler
	// RiverClient may be nil; triggering then returns 503.
	RiverClient *river.Client[pgx.Tx]
	// Pools may be nil; the metrics endpoint then reports no pools.
	Pools *worker.Pools
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		pool:        deps.Pool,
		store:       deps.Store,
		reconciler:  deps.Reconciler,
		riverClient: deps.RiverClient,
		pools:       deps.Pools,
	}
}

// GetLiveness handles GET /health/live.
func (s *Server) GetLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetReadiness handles GET /health/ready.
func (s *Server) GetReadiness(c *gin.Context) {
	checks := make(map[string]string)
	allHealthy := true

	if s.pool != nil {
		if err := s.pool.Ping(c.Request.Context()); err != nil {
			checks["database"] = "error"
			allHealthy = false
		} else {
			checks["database"] = "ok"
		}
	}
	if _, err := s.store.Snapshot(c.Request.Context()); err != nil {
		checks["store"] = "error"
		allHealthy = false
	} else {
		checks["store"] = "ok"
	}

	status := "ok"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{"status": status, "checks": checks})
}

// TriggerReconcile handles POST /reconcile: enqueues one reconcile job.
// Triggers coalesce in the queue, so hammering this endpoint is harmless.
func (s *Server) TriggerReconcile(c *gin.Context) {
	if s.riverClient == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "QUEUE_UNAVAILABLE",
			"message": "job queue is not running",
		})
		return
	}
	res, err := s.riverClient.Insert(c.Request.Context(), jobs.ReconcileArgs{Reason: "manual trigger"}, nil)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":    res.Job.ID,
		"coalesced": res.UniqueSkippedAsDuplicate,
	})
}

// GetReconcileStatus handles GET /reconcile/status: the last run's result.
func (s *Server) GetReconcileStatus(c *gin.Context) {
	last := s.reconciler.LastResult()
	if last == nil {
		c.JSON(http.StatusOK, gin.H{"status": "never_run"})
		return
	}
	status := "succeeded"
	if !last.Succeeded() {
		status = "failed"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "result": last})
}

// GetState handles GET /state: a read-only desired-state snapshot.
func (s *Server) GetState(c *gin.Context) {
	snap, err := s.store.Snapshot(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"projects":   snap.Projects,
		"services":   snap.Services,
		"containers": snap.Containers,
	})
}

// GetMetrics handles GET /metrics: worker pool utilization plus the last
// reconciliation run's timings.
func (s *Server) GetMetrics(c *gin.Context) {
	body := gin.H{}
	if s.pools != nil {
		body["worker_pools"] = s.pools.Metrics()
	}
	if last := s.reconciler.LastResult(); last != nil {
		body["last_reconcile"] = gin.H{
			"succeeded":   last.Succeeded(),
			"stage":       last.Stage,
			"mappings":    len(last.Mappings),
			"duration_ms": last.FinishedAt.Sub(last.StartedAt).Milliseconds(),
		}
	}
	c.JSON(http.StatusOK, body)
}

// SetLogLevel handles PUT /log-level: hot-reload of the log level.
func (s *Server) SetLogLevel(c *gin.Context) {
	var body struct {
		Level string `json:"level" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_REQUEST",
			"message": "body must contain a level field",
		})
		return
	}
	if err := logger.SetLevel(body.Level); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_LOG_LEVEL",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"level": logger.GetLevel().String()})
}
