package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/atenova/sintesi/internal/data/repos"
	types "github.com/atenova/sintesi/internal/domain"
	domainprojects "github.com/atenova/sintesi/internal/domain/projects"
	"github.com/atenova/sintesi/internal/platform/apierr"
	"github.com/atenova/sintesi/internal/platform/logger"
	"github.com/atenova/sintesi/internal/requestdata"
)

type CreateProjectInput struct {
	Title   string `json:"title"`
	Faculty string `json:"faculty"`
	Topic   string `json:"topic"`
}

type ProjectService interface {
	Create(ctx context.Context, in CreateProjectInput) (*types.Project, error)
	GetForRequestUser(ctx context.Context, id uuid.UUID) (*types.Project, []*types.Chunk, error)
	Cancel(ctx context.Context, id uuid.UUID) (*types.Project, error)
	GetArtifact(ctx context.Context, projectID uuid.UUID) (*types.FinalArtifact, error)
}

type projectService struct {
	db        *gorm.DB
	log       *logger.Logger
	projects  repos.ProjectRepo
	chunks    repos.ChunkRepo
	artifacts repos.FinalArtifactRepo
	jobs      repos.BatchJobRepo
}

func NewProjectService(db *gorm.DB, baseLog *logger.Logger, projects repos.ProjectRepo, chunks repos.ChunkRepo, artifacts repos.FinalArtifactRepo, jobs repos.BatchJobRepo) ProjectService {
	return &projectService{
		db:        db,
		log:       baseLog.With("service", "ProjectService"),
		projects:  projects,
		chunks:    chunks,
		artifacts: artifacts,
		jobs:      jobs,
	}
}

func (s *projectService) Create(ctx context.Context, in CreateProjectInput) (*types.Project, error) {
	ownerID := requestdata.UserID(ctx)
	if ownerID == uuid.Nil {
		return nil, apierr.Forbidden("no authenticated principal")
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, apierr.Validation("title is required")
	}
	project := &types.Project{
		ID:          uuid.New(),
		OwnerUserID: ownerID,
		Title:       title,
		Faculty:     strings.TrimSpace(in.Faculty),
		Topic:       strings.TrimSpace(in.Topic),
		Status:      domainprojects.ProjectStatusActive,
	}
	created, err := s.projects.Create(ctx, nil, project)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	s.log.Info("Project created", "project_id", created.ID, "owner_user_id", ownerID)
	return created, nil
}

func (s *projectService) GetForRequestUser(ctx context.Context, id uuid.UUID) (*types.Project, []*types.Chunk, error) {
	project, err := s.requireOwnedProject(ctx, nil, id)
	if err != nil {
		return nil, nil, err
	}
	chunks, err := s.chunks.GetByProjectID(ctx, nil, id)
	if err != nil {
		return nil, nil, apierr.Internal(err)
	}
	return project, chunks, nil
}

func (s *projectService) Cancel(ctx context.Context, id uuid.UUID) (*types.Project, error) {
	project, err := s.requireOwnedProject(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if project.Status != domainprojects.ProjectStatusActive {
		return nil, apierr.Conflict("project is %s and cannot be cancelled", project.Status)
	}
	activeJobs, err := s.jobs.GetActiveByProjectID(ctx, nil, id)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	if len(activeJobs) > 0 {
		return nil, apierr.Conflict("project has %d active batch job(s); cancel them first", len(activeJobs))
	}
	moved, err := s.projects.TransitionStatus(ctx, nil, id,
		domainprojects.ProjectStatusActive, domainprojects.ProjectStatusCancelled, nil)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	if !moved {
		return nil, apierr.Conflict("project status changed concurrently")
	}
	project.Status = domainprojects.ProjectStatusCancelled
	project.UpdatedAt = time.Now().UTC()
	s.log.Info("Project cancelled", "project_id", id)
	return project, nil
}

func (s *projectService) GetArtifact(ctx context.Context, projectID uuid.UUID) (*types.FinalArtifact, error) {
	if _, err := s.requireOwnedProject(ctx, nil, projectID); err != nil {
		return nil, err
	}
	artifact, err := s.artifacts.GetByProjectID(ctx, nil, projectID)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	if artifact == nil {
		return nil, apierr.NotFound("project has no final artifact")
	}
	return artifact, nil
}

func (s *projectService) requireOwnedProject(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Project, error) {
	return requireOwnedProject(ctx, tx, s.projects, id)
}

// requireOwnedProject loads a project and checks it belongs to the request
// principal. Shared by every service that mutates project-scoped state.
func requireOwnedProject(ctx context.Context, tx *gorm.DB, projectRepo repos.ProjectRepo, id uuid.UUID) (*types.Project, error) {
	ownerID := requestdata.UserID(ctx)
	if ownerID == uuid.Nil {
		return nil, apierr.Forbidden("no authenticated principal")
	}
	project, err := projectRepo.GetByID(ctx, tx, id)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	if project == nil || project.OwnerUserID != ownerID {
		// Do not leak existence of other users' projects.
		return nil, apierr.NotFound("project %s not found", id)
	}
	return project, nil
}
