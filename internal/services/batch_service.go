package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/atenova/sintesi/internal/data/repos"
	types "github.com/atenova/sintesi/internal/domain"
	domainjobs "github.com/atenova/sintesi/internal/domain/jobs"
	domainprojects "github.com/atenova/sintesi/internal/domain/projects"
	"github.com/atenova/sintesi/internal/platform/apierr"
	"github.com/atenova/sintesi/internal/platform/logger"
	"github.com/atenova/sintesi/internal/requestdata"
)

type IntakeInput struct {
	ChunkIDs      []uuid.UUID `json:"chunk_ids"`
	AnalysisKinds []string    `json:"analysis_kinds"`
}

type IntakeResult struct {
	BatchJobID    uuid.UUID `json:"batch_job_id"`
	TotalUnits    int       `json:"total_units"`
	EstimatedCost float64   `json:"estimated_cost"`
}

type ChunkProgress struct {
	ChunkID    uuid.UUID `json:"chunk_id"`
	OrderIndex int       `json:"order_index"`
	Status     string    `json:"status"`
	LastError  string    `json:"last_error,omitempty"`
}

type BatchProgress struct {
	BatchJobID         uuid.UUID       `json:"batch_job_id"`
	Status             string          `json:"status"`
	ProcessedUnits     int             `json:"processed_units"`
	TotalUnits         int             `json:"total_units"`
	ProgressPercentage int             `json:"progress_percentage"`
	EstimatedCost      float64         `json:"estimated_cost"`
	Error              string          `json:"error,omitempty"`
	PerChunkStatus     []ChunkProgress `json:"per_chunk_status"`
}

type BatchService interface {
	// Intake validates the selection, prices it, claims the chunks into the
	// job (ready/error -> queued) and persists the job as queued. Processing
	// happens asynchronously; the call returns immediately.
	Intake(ctx context.Context, projectID uuid.UUID, in IntakeInput) (*IntakeResult, error)
	GetProgress(ctx context.Context, batchJobID uuid.UUID) (*BatchProgress, error)
	Cancel(ctx context.Context, batchJobID uuid.UUID) (*BatchProgress, error)
}

type batchService struct {
	db        *gorm.DB
	log       *logger.Logger
	projects  repos.ProjectRepo
	chunks    repos.ChunkRepo
	jobs      repos.BatchJobRepo
	estimator *Estimator
}

func NewBatchService(db *gorm.DB, baseLog *logger.Logger, projects repos.ProjectRepo, chunks repos.ChunkRepo, jobs repos.BatchJobRepo, estimator *Estimator) BatchService {
	return &batchService{
		db:        db,
		log:       baseLog.With("service", "BatchService"),
		projects:  projects,
		chunks:    chunks,
		jobs:      jobs,
		estimator: estimator,
	}
}

func (s *batchService) Intake(ctx context.Context, projectID uuid.UUID, in IntakeInput) (*IntakeResult, error) {
	if len(in.ChunkIDs) == 0 {
		return nil, apierr.Validation("chunk id list is required")
	}
	kinds, err := normalizeKinds(in.AnalysisKinds)
	if err != nil {
		return nil, err
	}

	var result *IntakeResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		project, err := requireOwnedProject(ctx, tx, s.projects, projectID)
		if err != nil {
			return err
		}
		if project.Status != domainprojects.ProjectStatusActive {
			return apierr.Conflict("project is %s; batches cannot be submitted", project.Status)
		}

		chunks, err := s.chunks.GetByIDs(ctx, tx, in.ChunkIDs)
		if err != nil {
			return apierr.Internal(err)
		}
		byID := make(map[uuid.UUID]*types.Chunk, len(chunks))
		for _, c := range chunks {
			byID[c.ID] = c
		}
		seen := make(map[uuid.UUID]bool, len(in.ChunkIDs))
		estimatedCost := 0.0
		for _, id := range in.ChunkIDs {
			if seen[id] {
				return apierr.Validation("chunk %s appears more than once", id)
			}
			seen[id] = true
			chunk, ok := byID[id]
			if !ok || chunk.ProjectID != projectID {
				return apierr.Validation("chunk %s does not belong to project %s", id, projectID)
			}
			if !domainprojects.ChunkSubmittable(chunk.Status) {
				return apierr.Validation("chunk %s is %s; only ready or error chunks can be submitted", id, chunk.Status)
			}
			est := s.estimator.Estimate(chunk.Content, project.Faculty, project.Topic)
			estimatedCost += est.EstimatedCost * float64(len(kinds))
		}

		job := &types.BatchJob{
			ID:            uuid.New(),
			ProjectID:     projectID,
			OwnerUserID:   project.OwnerUserID,
			ChunkIDs:      mustJSON(in.ChunkIDs),
			AnalysisKinds: mustJSON(kinds),
			TotalUnits:    len(in.ChunkIDs) * len(kinds),
			Status:        domainjobs.BatchStatusQueued,
			EstimatedCost: estimatedCost,
		}
		if _, err := s.jobs.Create(ctx, tx, job); err != nil {
			return apierr.Internal(err)
		}

		// Claim every chunk into the job. The chunk status is the only
		// concurrency token: a lost compare-and-swap means a concurrent
		// batch got there first and the whole intake rolls back.
		for _, id := range in.ChunkIDs {
			moved, err := s.chunks.TransitionStatus(ctx, tx, id, byID[id].Status, domainprojects.ChunkStatusQueued, nil)
			if err != nil {
				return apierr.Internal(err)
			}
			if !moved {
				return apierr.Conflict("chunk %s was claimed by another batch", id)
			}
		}

		result = &IntakeResult{
			BatchJobID:    job.ID,
			TotalUnits:    job.TotalUnits,
			EstimatedCost: job.EstimatedCost,
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	s.log.Info("Batch job submitted",
		"batch_job_id", result.BatchJobID,
		"project_id", projectID,
		"total_units", result.TotalUnits,
		"estimated_cost", result.EstimatedCost,
	)
	return result, nil
}

func (s *batchService) GetProgress(ctx context.Context, batchJobID uuid.UUID) (*BatchProgress, error) {
	job, err := s.requireOwnedJob(ctx, batchJobID)
	if err != nil {
		return nil, err
	}
	return s.progressOf(ctx, job)
}

func (s *batchService) Cancel(ctx context.Context, batchJobID uuid.UUID) (*BatchProgress, error) {
	job, err := s.requireOwnedJob(ctx, batchJobID)
	if err != nil {
		return nil, err
	}
	if domainjobs.BatchTerminal(job.Status) {
		return nil, apierr.Conflict("batch job is already %s", job.Status)
	}

	// A still-queued job can be cancelled outright: no worker owns it yet,
	// so its chunks revert to ready here. A running job only gets the flag;
	// the worker reverts unclaimed chunks and finishes in-flight ones.
	if job.Status == domainjobs.BatchStatusQueued {
		now := time.Now().UTC()
		moved, err := s.jobs.TransitionStatus(ctx, nil, job.ID, domainjobs.BatchStatusQueued, domainjobs.BatchStatusCancelled,
			map[string]interface{}{"cancel_requested": true, "completed_at": now})
		if err != nil {
			return nil, apierr.Internal(err)
		}
		if moved {
			chunkIDs, err := DecodeChunkIDs(job)
			if err == nil {
				for _, id := range chunkIDs {
					_, _ = s.chunks.TransitionStatus(ctx, nil, id, domainprojects.ChunkStatusQueued, domainprojects.ChunkStatusReady, nil)
				}
			}
			s.log.Info("Batch job cancelled before start", "batch_job_id", job.ID)
			job, err = s.jobs.GetByID(ctx, nil, job.ID)
			if err != nil || job == nil {
				return nil, apierr.Internal(err)
			}
			return s.progressOf(ctx, job)
		}
		// Lost the race with the worker claim; fall through to the flag.
	}

	if _, err := s.jobs.RequestCancel(ctx, nil, job.ID); err != nil {
		return nil, apierr.Internal(err)
	}
	s.log.Info("Batch job cancellation requested", "batch_job_id", job.ID)
	job, err = s.jobs.GetByID(ctx, nil, job.ID)
	if err != nil || job == nil {
		return nil, apierr.Internal(err)
	}
	return s.progressOf(ctx, job)
}

func (s *batchService) requireOwnedJob(ctx context.Context, id uuid.UUID) (*types.BatchJob, error) {
	ownerID := requestdata.UserID(ctx)
	if ownerID == uuid.Nil {
		return nil, apierr.Forbidden("no authenticated principal")
	}
	job, err := s.jobs.GetByID(ctx, nil, id)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	if job == nil || job.OwnerUserID != ownerID {
		return nil, apierr.NotFound("batch job %s not found", id)
	}
	return job, nil
}

func (s *batchService) progressOf(ctx context.Context, job *types.BatchJob) (*BatchProgress, error) {
	chunkIDs, err := DecodeChunkIDs(job)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	chunks, err := s.chunks.GetByIDs(ctx, nil, chunkIDs)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	per := make([]ChunkProgress, 0, len(chunks))
	for _, c := range chunks {
		per = append(per, ChunkProgress{
			ChunkID:    c.ID,
			OrderIndex: c.OrderIndex,
			Status:     c.Status,
			LastError:  c.LastError,
		})
	}
	return &BatchProgress{
		BatchJobID:         job.ID,
		Status:             job.Status,
		ProcessedUnits:     job.ProcessedUnits,
		TotalUnits:         job.TotalUnits,
		ProgressPercentage: domainjobs.ProgressPercentage(job.ProcessedUnits, job.TotalUnits),
		EstimatedCost:      job.EstimatedCost,
		Error:              job.Error,
		PerChunkStatus:     per,
	}, nil
}

func normalizeKinds(kinds []string) ([]string, error) {
	if len(kinds) == 0 {
		return nil, apierr.Validation("at least one analysis kind is required")
	}
	seen := make(map[string]bool, len(kinds))
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		if !domainjobs.KnownAnalysisKinds[k] {
			return nil, apierr.Validation("unknown analysis kind %q", k)
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out, nil
}

// DecodeChunkIDs unpacks the job's JSON chunk id list.
func DecodeChunkIDs(job *types.BatchJob) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	if err := json.Unmarshal(job.ChunkIDs, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// DecodeAnalysisKinds unpacks the job's JSON analysis kind list.
func DecodeAnalysisKinds(job *types.BatchJob) ([]string, error) {
	var kinds []string
	if err := json.Unmarshal(job.AnalysisKinds, &kinds); err != nil {
		return nil, err
	}
	return kinds, nil
}

func mustJSON(v any) datatypes.JSON {
	b, _ := json.Marshal(v)
	return datatypes.JSON(b)
}
