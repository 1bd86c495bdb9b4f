package app

import (
	"github.com/gin-gonic/gin"

	"github.com/MJJoyce/memex-explorer/internal/api/handlers"
	"github.com/MJJoyce/memex-explorer/internal/api/middleware"
)

func newRouter(server *handlers.Server) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.ErrorHandler())

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health/live", server.GetLiveness)
		v1.GET("/health/ready", server.GetReadiness)
		v1.POST("/reconcile", server.TriggerReconcile)
		v1.GET("/reconcile/status", server.GetReconcileStatus)
		v1.GET("/state", server.GetState)
		v1.GET("/metrics", server.GetMetrics)
		v1.PUT("/log-level", server.SetLogLevel)
	}
	return router
}
