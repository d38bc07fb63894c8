package server

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/atenova/sintesi/internal/handlers"
	"github.com/atenova/sintesi/internal/middleware"
	"github.com/atenova/sintesi/internal/platform/envutil"
	"github.com/atenova/sintesi/internal/platform/logger"
	"github.com/atenova/sintesi/internal/sse"
)

type RouterDeps struct {
	Log       *logger.Logger
	Auth      *middleware.AuthMiddleware
	Hub       *sse.Hub
	Health    *handlers.HealthHandler
	Projects  *handlers.ProjectHandler
	Chunks    *handlers.ChunkHandler
	Batches   *handlers.BatchHandler
	Estimates *handlers.EstimateHandler
}

func NewRouter(deps RouterDeps) *gin.Engine {
	if envutil.GetEnv("APP_MODE", "dev", deps.Log) == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("sintesi"))

	allowedOrigins := strings.Split(envutil.GetEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173", deps.Log), ",")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthcheck", deps.Health.Healthcheck)

	api := router.Group("/api")
	api.Use(deps.Auth.RequireAuth())
	{
		api.POST("/projects", deps.Projects.Create)
		api.GET("/projects/:id", deps.Projects.Get)
		api.POST("/projects/:id/cancel", deps.Projects.Cancel)
		api.POST("/projects/:id/finalize", deps.Projects.Finalize)
		api.GET("/projects/:id/artifact", deps.Projects.GetArtifact)

		api.POST("/projects/:id/chunks", deps.Chunks.Create)
		api.PUT("/projects/:id/chunks/order", deps.Chunks.Reorder)
		api.PUT("/chunks/:id", deps.Chunks.Update)
		api.DELETE("/chunks/:id", deps.Chunks.Delete)
		api.POST("/chunks/:id/reopen", deps.Chunks.Reopen)
		api.POST("/chunks/status", deps.Chunks.BulkUpdateStatus)

		api.POST("/estimate", deps.Estimates.Estimate)

		api.POST("/projects/:id/batches", deps.Batches.Submit)
		api.GET("/batches/:id", deps.Batches.GetProgress)
		api.POST("/batches/:id/cancel", deps.Batches.Cancel)

		api.GET("/events/stream", deps.Hub.Stream())
	}

	return router
}
