package jobs

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/atenova/sintesi/internal/clients/textgen"
	"github.com/atenova/sintesi/internal/data/repos"
	types "github.com/atenova/sintesi/internal/domain"
	domainjobs "github.com/atenova/sintesi/internal/domain/jobs"
	domainprojects "github.com/atenova/sintesi/internal/domain/projects"
	"github.com/atenova/sintesi/internal/platform/httpx"
	"github.com/atenova/sintesi/internal/platform/logger"
	"github.com/atenova/sintesi/internal/services"
)

// Notifier receives progress events as a running job advances. Implementations
// must not block; the processor calls it inline.
type Notifier interface {
	PublishBatchProgress(ownerUserID uuid.UUID, event BatchProgressEvent)
}

type BatchProgressEvent struct {
	BatchJobID         uuid.UUID `json:"batch_job_id"`
	ProjectID          uuid.UUID `json:"project_id"`
	Status             string    `json:"status"`
	ProcessedUnits     int       `json:"processed_units"`
	TotalUnits         int       `json:"total_units"`
	ProgressPercentage int       `json:"progress_percentage"`
	ChunkID            uuid.UUID `json:"chunk_id,omitempty"`
	ChunkStatus        string    `json:"chunk_status,omitempty"`
}

type noopNotifier struct{}

func (noopNotifier) PublishBatchProgress(uuid.UUID, BatchProgressEvent) {}

// NoopNotifier is used when no event transport is wired.
var NoopNotifier Notifier = noopNotifier{}

type ProcessorConfig struct {
	// MaxParallelChunks bounds the number of chunks in flight per job.
	MaxParallelChunks int
	// RetryAttempts bounds generation attempts per unit.
	RetryAttempts uint
	RetryBaseWait time.Duration
	// MaxErrorRate is the failed-chunk ratio above which the whole job is
	// judged failed instead of completed.
	MaxErrorRate float64
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		MaxParallelChunks: 4,
		RetryAttempts:     3,
		RetryBaseWait:     2 * time.Second,
		MaxErrorRate:      0.5,
	}
}

// Processor drains one claimed batch job: it walks the job's chunks, calls the
// text-generation service once per (chunk, kind) unit and records outputs and
// status transitions as it goes.
type Processor struct {
	log       *logger.Logger
	cfg       ProcessorConfig
	projects  repos.ProjectRepo
	chunks    repos.ChunkRepo
	outputs   repos.ChunkOutputRepo
	jobs      repos.BatchJobRepo
	textgen   textgen.Client
	estimator *services.Estimator
	notifier  Notifier
}

func NewProcessor(baseLog *logger.Logger, cfg ProcessorConfig, projects repos.ProjectRepo, chunks repos.ChunkRepo, outputs repos.ChunkOutputRepo, jobRepo repos.BatchJobRepo, tg textgen.Client, estimator *services.Estimator, notifier Notifier) *Processor {
	if cfg.MaxParallelChunks <= 0 {
		cfg.MaxParallelChunks = DefaultProcessorConfig().MaxParallelChunks
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = DefaultProcessorConfig().RetryAttempts
	}
	if cfg.RetryBaseWait <= 0 {
		cfg.RetryBaseWait = DefaultProcessorConfig().RetryBaseWait
	}
	if cfg.MaxErrorRate <= 0 {
		cfg.MaxErrorRate = DefaultProcessorConfig().MaxErrorRate
	}
	if notifier == nil {
		notifier = NoopNotifier
	}
	return &Processor{
		log:       baseLog.With("component", "Processor"),
		cfg:       cfg,
		projects:  projects,
		chunks:    chunks,
		outputs:   outputs,
		jobs:      jobRepo,
		textgen:   tg,
		estimator: estimator,
		notifier:  notifier,
	}
}

// Run processes a job that was already claimed (status running). It always
// drives the job to a terminal status before returning, except when the
// context itself is cancelled mid-flight.
func (p *Processor) Run(ctx context.Context, job *types.BatchJob) error {
	log := p.log.With("batch_job_id", job.ID, "project_id", job.ProjectID)

	chunkIDs, err := services.DecodeChunkIDs(job)
	if err != nil {
		return p.failJob(ctx, job, fmt.Sprintf("corrupt chunk id list: %v", err))
	}
	kinds, err := services.DecodeAnalysisKinds(job)
	if err != nil {
		return p.failJob(ctx, job, fmt.Sprintf("corrupt analysis kind list: %v", err))
	}
	project, err := p.projects.GetByID(ctx, nil, job.ProjectID)
	if err != nil || project == nil {
		return p.failJob(ctx, job, "project no longer exists")
	}

	var failedChunks atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxParallelChunks)

	for _, chunkID := range chunkIDs {
		chunkID := chunkID
		g.Go(func() error {
			// Cooperative cancellation is checked once per chunk before it
			// is claimed; a chunk already processing finishes its units.
			if p.cancelRequested(gctx, job.ID) {
				_, _ = p.chunks.TransitionStatus(gctx, nil, chunkID,
					domainprojects.ChunkStatusQueued, domainprojects.ChunkStatusReady, nil)
				return nil
			}
			p.processChunk(gctx, log, job, project, chunkID, kinds, &failedChunks)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	return p.settle(ctx, log, job, chunkIDs, int(failedChunks.Load()))
}

// processChunk runs every analysis kind for one chunk. A unit failure after
// retries marks the chunk error and burns the chunk's remaining units so the
// job's processed count still reaches the total.
func (p *Processor) processChunk(ctx context.Context, log *logger.Logger, job *types.BatchJob, project *types.Project, chunkID uuid.UUID, kinds []string, failedChunks *atomic.Int64) {
	claimed, err := p.chunks.TransitionStatus(ctx, nil, chunkID,
		domainprojects.ChunkStatusQueued, domainprojects.ChunkStatusProcessing, nil)
	if err != nil {
		log.Error("Chunk claim failed", "chunk_id", chunkID, "error", err)
		p.burnUnits(ctx, job, len(kinds))
		failedChunks.Add(1)
		return
	}
	if !claimed {
		// Someone moved the chunk from under us (cancel revert); its units
		// still count so the job can settle.
		p.burnUnits(ctx, job, len(kinds))
		return
	}

	chunk, err := p.chunks.GetByID(ctx, nil, chunkID)
	if err != nil || chunk == nil {
		p.markChunkError(ctx, job, chunkID, "chunk disappeared while processing")
		p.burnUnits(ctx, job, len(kinds))
		failedChunks.Add(1)
		return
	}

	est := p.estimator.Estimate(chunk.Content, project.Faculty, project.Topic)
	for i, kind := range kinds {
		result, genErr := p.generate(ctx, chunk, project, kind, est.MaxOutputUnits)
		if genErr != nil {
			log.Warn("Unit failed after retries", "chunk_id", chunkID, "analysis_kind", kind, "error", genErr)
			p.markChunkError(ctx, job, chunkID, genErr.Error())
			p.burnUnits(ctx, job, len(kinds)-i)
			failedChunks.Add(1)
			return
		}
		if _, err := p.outputs.Create(ctx, nil, &types.ChunkOutput{
			ID:           uuid.New(),
			ChunkID:      chunkID,
			BatchJobID:   job.ID,
			AnalysisKind: kind,
			Content:      result.Text,
			Model:        result.Model,
		}); err != nil {
			log.Error("Output write failed", "chunk_id", chunkID, "analysis_kind", kind, "error", err)
			p.markChunkError(ctx, job, chunkID, "failed to persist output")
			p.burnUnits(ctx, job, len(kinds)-i)
			failedChunks.Add(1)
			return
		}
		p.bumpProgress(ctx, job, chunkID, domainprojects.ChunkStatusProcessing)
	}

	if _, err := p.chunks.TransitionStatus(ctx, nil, chunkID,
		domainprojects.ChunkStatusProcessing, domainprojects.ChunkStatusDone,
		map[string]interface{}{"last_error": "", "processed_at": time.Now().UTC()}); err != nil {
		log.Error("Chunk completion transition failed", "chunk_id", chunkID, "error", err)
	}
	p.notifyProgress(ctx, job, chunkID, domainprojects.ChunkStatusDone)
}

func (p *Processor) generate(ctx context.Context, chunk *types.Chunk, project *types.Project, kind string, maxTokens int) (*textgen.Result, error) {
	req := textgen.Request{
		System:    systemPromptFor(kind, project.Faculty, project.Topic),
		User:      userPromptFor(chunk.Title, chunk.Section, chunk.PageRange, chunk.Content),
		MaxTokens: maxTokens,
	}
	return retry.DoWithData(
		func() (*textgen.Result, error) {
			return p.textgen.Generate(ctx, req)
		},
		retry.Context(ctx),
		retry.Attempts(p.cfg.RetryAttempts),
		retry.Delay(p.cfg.RetryBaseWait),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxJitter(p.cfg.RetryBaseWait/2),
		retry.RetryIf(httpx.IsRetryableError),
		retry.LastErrorOnly(true),
	)
}

func (p *Processor) cancelRequested(ctx context.Context, jobID uuid.UUID) bool {
	job, err := p.jobs.GetByID(ctx, nil, jobID)
	if err != nil || job == nil {
		return false
	}
	return job.CancelRequested
}

func (p *Processor) markChunkError(ctx context.Context, job *types.BatchJob, chunkID uuid.UUID, msg string) {
	_, _ = p.chunks.TransitionStatus(ctx, nil, chunkID,
		domainprojects.ChunkStatusProcessing, domainprojects.ChunkStatusError,
		map[string]interface{}{"last_error": truncateErrorDetail(msg), "processed_at": time.Now().UTC()})
	p.notifyProgress(ctx, job, chunkID, domainprojects.ChunkStatusError)
}

// truncateErrorDetail caps stored error text without splitting a rune.
func truncateErrorDetail(msg string) string {
	const maxLen = 1000
	if len(msg) <= maxLen {
		return msg
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

// burnUnits advances processed_units for units that will never produce an
// output. The guard in the repo keeps the count at or below the total.
func (p *Processor) burnUnits(ctx context.Context, job *types.BatchJob, n int) {
	for i := 0; i < n; i++ {
		if _, err := p.jobs.IncrementProcessed(ctx, nil, job.ID); err != nil {
			return
		}
	}
}

func (p *Processor) bumpProgress(ctx context.Context, job *types.BatchJob, chunkID uuid.UUID, chunkStatus string) {
	if _, err := p.jobs.IncrementProcessed(ctx, nil, job.ID); err != nil {
		p.log.Error("Progress increment failed", "batch_job_id", job.ID, "error", err)
	}
	p.notifyProgress(ctx, job, chunkID, chunkStatus)
}

func (p *Processor) notifyProgress(ctx context.Context, job *types.BatchJob, chunkID uuid.UUID, chunkStatus string) {
	fresh, err := p.jobs.GetByID(ctx, nil, job.ID)
	if err != nil || fresh == nil {
		return
	}
	p.notifier.PublishBatchProgress(job.OwnerUserID, BatchProgressEvent{
		BatchJobID:         fresh.ID,
		ProjectID:          fresh.ProjectID,
		Status:             fresh.Status,
		ProcessedUnits:     fresh.ProcessedUnits,
		TotalUnits:         fresh.TotalUnits,
		ProgressPercentage: domainjobs.ProgressPercentage(fresh.ProcessedUnits, fresh.TotalUnits),
		ChunkID:            chunkID,
		ChunkStatus:        chunkStatus,
	})
}

// settle drives the job to its terminal status once every chunk goroutine has
// returned.
func (p *Processor) settle(ctx context.Context, log *logger.Logger, job *types.BatchJob, chunkIDs []uuid.UUID, failedChunks int) error {
	fresh, err := p.jobs.GetByID(ctx, nil, job.ID)
	if err != nil || fresh == nil {
		return fmt.Errorf("job %s disappeared before settlement", job.ID)
	}
	now := time.Now().UTC()

	if fresh.CancelRequested {
		// Revert anything still queued; processed chunks keep their results.
		for _, id := range chunkIDs {
			_, _ = p.chunks.TransitionStatus(ctx, nil, id,
				domainprojects.ChunkStatusQueued, domainprojects.ChunkStatusReady, nil)
		}
		moved, err := p.jobs.TransitionStatus(ctx, nil, job.ID,
			domainjobs.BatchStatusRunning, domainjobs.BatchStatusCancelled,
			map[string]interface{}{"completed_at": now})
		if err != nil {
			return err
		}
		if moved {
			log.Info("Batch job cancelled", "processed_units", fresh.ProcessedUnits, "total_units", fresh.TotalUnits)
			p.notifyProgress(ctx, job, uuid.Nil, "")
		}
		return nil
	}

	errorRate := 0.0
	if len(chunkIDs) > 0 {
		errorRate = float64(failedChunks) / float64(len(chunkIDs))
	}
	target := domainjobs.BatchStatusCompleted
	updates := map[string]interface{}{"completed_at": now}
	if errorRate > p.cfg.MaxErrorRate {
		target = domainjobs.BatchStatusFailed
		updates["error"] = fmt.Sprintf("%d of %d chunks failed", failedChunks, len(chunkIDs))
	}
	moved, err := p.jobs.TransitionStatus(ctx, nil, job.ID, domainjobs.BatchStatusRunning, target, updates)
	if err != nil {
		return err
	}
	if moved {
		log.Info("Batch job settled", "status", target, "failed_chunks", failedChunks, "chunks", len(chunkIDs))
		p.notifyProgress(ctx, job, uuid.Nil, "")
	}
	return nil
}

func (p *Processor) failJob(ctx context.Context, job *types.BatchJob, msg string) error {
	now := time.Now().UTC()
	_, err := p.jobs.TransitionStatus(ctx, nil, job.ID,
		domainjobs.BatchStatusRunning, domainjobs.BatchStatusFailed,
		map[string]interface{}{"error": msg, "completed_at": now})
	if err != nil {
		return err
	}
	p.log.Error("Batch job failed before processing", "batch_job_id", job.ID, "error", msg)
	return nil
}
