package app

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tripsync/internal/handler"
	"tripsync/internal/kv"
	"tripsync/internal/middleware"
)

// RouterDeps contains all dependencies needed for the router.
type RouterDeps struct {
	TripHandler         *handler.TripHandler
	SyncHandler         *handler.SyncHandler
	ConnectivityHandler *handler.ConnectivityHandler
	DutyHandler         *handler.DutyHandler
	IdempotencyStore    kv.ExpiringStore
	NewRelicApp         *newrelic.Application
	Logger              *zap.Logger
}

// NewRouter creates a new Gin router with all routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	router := gin.New()

	// Global middleware.
	router.Use(middleware.Recovery(deps.Logger))
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.Metrics())

	// Add New Relic middleware if enabled.
	if deps.NewRelicApp != nil {
		router.Use(nrgin.Middleware(deps.NewRelicApp))
		router.Use(middleware.TripAttributes())
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 routes.
	v1 := router.Group("/v1")
	v1.Use(middleware.Idempotency(deps.IdempotencyStore, deps.Logger))
	{
		// Sync routes.
		sync := v1.Group("/sync")
		{
			sync.GET("/status", deps.SyncHandler.GetStatus)
			sync.POST("", deps.SyncHandler.Sync)
			sync.GET("/queue", deps.SyncHandler.ListQueue)
			sync.GET("/dead-letters", deps.SyncHandler.ListDeadLetters)
		}
		v1.POST("/actions", deps.SyncHandler.QueueAction)

		v1.GET("/connectivity", deps.ConnectivityHandler.Get)
		v1.POST("/connectivity", deps.ConnectivityHandler.Report)

		// Trip routes.
		trips := v1.Group("/trips")
		{
			trips.POST("", deps.TripHandler.AssignTrip)
			trips.GET("", deps.TripHandler.ListJobs)
			trips.GET("/active", deps.TripHandler.GetActiveTrip)
			trips.GET("/active/next-action", deps.TripHandler.GetNextAction)
			trips.POST("/:id/advance", deps.TripHandler.Advance)
			trips.POST("/:id/cancel", deps.TripHandler.CancelTrip)
		}
		v1.GET("/pod-uploads", deps.TripHandler.ListPODUploads)

		// Duty routes.
		v1.GET("/duty", deps.DutyHandler.GetDuty)
		v1.POST("/duty/driving", deps.DutyHandler.AddDriving)
		v1.PUT("/compliance", deps.DutyHandler.SetCompliance)
	}

	return router
}
