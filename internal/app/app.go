package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/atenova/sintesi/internal/clients/textgen"
	"github.com/atenova/sintesi/internal/data/db"
	"github.com/atenova/sintesi/internal/data/repos"
	"github.com/atenova/sintesi/internal/handlers"
	"github.com/atenova/sintesi/internal/jobs"
	"github.com/atenova/sintesi/internal/middleware"
	"github.com/atenova/sintesi/internal/observability"
	"github.com/atenova/sintesi/internal/platform/envutil"
	"github.com/atenova/sintesi/internal/platform/logger"
	"github.com/atenova/sintesi/internal/server"
	"github.com/atenova/sintesi/internal/services"
	"github.com/atenova/sintesi/internal/sse"
)

// App owns every long-lived component and the order they start and stop in.
type App struct {
	Log    *logger.Logger
	server *http.Server
	worker *jobs.Worker

	shutdownTracing func(context.Context) error
}

// hubNotifier bridges processor progress events onto the SSE hub.
type hubNotifier struct {
	hub *sse.Hub
}

func (n *hubNotifier) PublishBatchProgress(ownerUserID uuid.UUID, event jobs.BatchProgressEvent) {
	n.hub.Publish(ownerUserID, sse.Event{Type: "batch_progress", Data: event})
}

func New(ctx context.Context) (*App, error) {
	log, err := logger.New(envutil.GetEnv("APP_MODE", "dev", nil))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	shutdownTracing, err := observability.Setup(ctx, log)
	if err != nil {
		return nil, err
	}

	pg, err := db.NewPostgresService(log)
	if err != nil {
		return nil, err
	}
	if err := pg.AutoMigrateAll(); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	gormDB := pg.DB()

	projectRepo := repos.NewProjectRepo(gormDB, log)
	chunkRepo := repos.NewChunkRepo(gormDB, log)
	outputRepo := repos.NewChunkOutputRepo(gormDB, log)
	artifactRepo := repos.NewFinalArtifactRepo(gormDB, log)
	jobRepo := repos.NewBatchJobRepo(gormDB, log)

	tgClient, err := textgen.New(log)
	if err != nil {
		return nil, err
	}

	estimator := services.NewEstimator(services.ModelProfile{
		Name:             envutil.GetEnv("ESTIMATOR_MODEL_NAME", "standard", log),
		AvgCharsPerUnit:  envutil.GetEnvAsFloat("ESTIMATOR_AVG_CHARS_PER_UNIT", 3.8, log),
		CostPer1000Units: envutil.GetEnvAsFloat("ESTIMATOR_COST_PER_1000_UNITS", 0.015, log),
		ContextWindow:    envutil.GetEnvAsInt("ESTIMATOR_CONTEXT_WINDOW", 128000, log),
	})

	projectService := services.NewProjectService(gormDB, log, projectRepo, chunkRepo, artifactRepo, jobRepo)
	chunkService := services.NewChunkService(gormDB, log, projectRepo, chunkRepo)
	batchService := services.NewBatchService(gormDB, log, projectRepo, chunkRepo, jobRepo, estimator)
	finalizerService := services.NewFinalizerService(gormDB, log, projectRepo, chunkRepo, outputRepo, artifactRepo)

	hub := sse.NewHub(log)

	processor := jobs.NewProcessor(log, jobs.ProcessorConfig{
		MaxParallelChunks: envutil.GetEnvAsInt("BATCH_MAX_PARALLEL_CHUNKS", 4, log),
		RetryAttempts:     uint(envutil.GetEnvAsInt("BATCH_RETRY_ATTEMPTS", 3, log)),
		RetryBaseWait:     time.Duration(envutil.GetEnvAsInt("BATCH_RETRY_BASE_WAIT_SECONDS", 2, log)) * time.Second,
		MaxErrorRate:      envutil.GetEnvAsFloat("BATCH_MAX_ERROR_RATE", 0.5, log),
	}, projectRepo, chunkRepo, outputRepo, jobRepo, tgClient, estimator, &hubNotifier{hub: hub})
	worker := jobs.NewWorker(log, jobRepo, processor,
		time.Duration(envutil.GetEnvAsInt("BATCH_POLL_INTERVAL_SECONDS", 3, log))*time.Second)

	jwtSecret := envutil.GetEnv("JWT_SECRET", "", log)
	if jwtSecret == "" {
		return nil, fmt.Errorf("missing JWT_SECRET")
	}
	auth := middleware.NewAuthMiddleware(log, jwtSecret)

	router := server.NewRouter(server.RouterDeps{
		Log:       log,
		Auth:      auth,
		Hub:       hub,
		Health:    handlers.NewHealthHandler(gormDB),
		Projects:  handlers.NewProjectHandler(log, projectService, finalizerService),
		Chunks:    handlers.NewChunkHandler(log, chunkService),
		Batches:   handlers.NewBatchHandler(log, batchService),
		Estimates: handlers.NewEstimateHandler(log, estimator),
	})

	port := envutil.GetEnv("PORT", "8080", log)
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		Log:             log,
		server:          httpServer,
		worker:          worker,
		shutdownTracing: shutdownTracing,
	}, nil
}

// Run starts the worker and serves HTTP until the context is cancelled, then
// shuts both down in order.
func (a *App) Run(ctx context.Context) error {
	a.worker.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.Log.Info("HTTP server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.Log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.Log.Error("HTTP shutdown failed", "error", err)
	}
	a.worker.Stop()
	if err := a.shutdownTracing(shutdownCtx); err != nil {
		a.Log.Error("Trace flush failed", "error", err)
	}
	a.Log.Sync()
	return nil
}
