package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/atenova/sintesi/internal/data/repos"
	types "github.com/atenova/sintesi/internal/domain"
	domainjobs "github.com/atenova/sintesi/internal/domain/jobs"
	domainprojects "github.com/atenova/sintesi/internal/domain/projects"
	"github.com/atenova/sintesi/internal/platform/apierr"
	"github.com/atenova/sintesi/internal/platform/logger"
)

const sectionSeparator = "\n\n---\n\n"

type FinalizerService interface {
	// Finalize merges the latest output of every chunk into a single ordered
	// document and completes the project. At most one artifact is ever
	// produced per project; a repeat call returns a conflict.
	Finalize(ctx context.Context, projectID uuid.UUID) (*types.FinalArtifact, error)
}

type finalizerService struct {
	db        *gorm.DB
	log       *logger.Logger
	projects  repos.ProjectRepo
	chunks    repos.ChunkRepo
	outputs   repos.ChunkOutputRepo
	artifacts repos.FinalArtifactRepo
}

func NewFinalizerService(db *gorm.DB, baseLog *logger.Logger, projects repos.ProjectRepo, chunks repos.ChunkRepo, outputs repos.ChunkOutputRepo, artifacts repos.FinalArtifactRepo) FinalizerService {
	return &finalizerService{
		db:        db,
		log:       baseLog.With("service", "FinalizerService"),
		projects:  projects,
		chunks:    chunks,
		outputs:   outputs,
		artifacts: artifacts,
	}
}

func (s *finalizerService) Finalize(ctx context.Context, projectID uuid.UUID) (*types.FinalArtifact, error) {
	var artifact *types.FinalArtifact
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		project, err := requireOwnedProject(ctx, tx, s.projects, projectID)
		if err != nil {
			return err
		}
		if project.Status != domainprojects.ProjectStatusActive {
			return apierr.Conflict("project is %s and cannot be finalized", project.Status)
		}

		chunks, err := s.chunks.GetByProjectID(ctx, tx, projectID)
		if err != nil {
			return apierr.Internal(err)
		}
		if len(chunks) == 0 {
			return apierr.Validation("project has no chunks to merge")
		}
		doneCount := 0
		for _, c := range chunks {
			if !domainprojects.ChunkTerminal(c.Status) {
				return apierr.Conflict("chunk %s is %s; all chunks must be done or error before finalizing", c.ID, c.Status)
			}
			if c.Status == domainprojects.ChunkStatusDone {
				doneCount++
			}
		}
		if doneCount == 0 {
			return apierr.Conflict("no chunk produced an output; nothing to merge")
		}

		content, err := s.render(ctx, tx, chunks)
		if err != nil {
			return apierr.Internal(err)
		}

		created, err := s.artifacts.Create(ctx, tx, &types.FinalArtifact{
			ID:        uuid.New(),
			ProjectID: projectID,
			Content:   content,
		})
		if err != nil {
			return apierr.Internal(err)
		}

		now := time.Now().UTC()
		moved, err := s.projects.TransitionStatus(ctx, tx, projectID,
			domainprojects.ProjectStatusActive, domainprojects.ProjectStatusCompleted,
			map[string]interface{}{
				"final_artifact_id": created.ID,
				"completed_at":      now,
			})
		if err != nil {
			return apierr.Internal(err)
		}
		if !moved {
			// A concurrent finalize won the swap; rolling back discards our
			// artifact so exactly one survives.
			return apierr.Conflict("project was finalized concurrently")
		}
		artifact = created
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	s.log.Info("Project finalized", "project_id", projectID, "artifact_id", artifact.ID, "content_chars", len(artifact.Content))
	return artifact, nil
}

// render assembles the merged document in chunk order. Chunks that ended in
// error keep their place with an explicit placeholder so the document's
// structure mirrors the source material.
func (s *finalizerService) render(ctx context.Context, tx *gorm.DB, chunks []*types.Chunk) (string, error) {
	sections := make([]string, 0, len(chunks))
	for _, c := range chunks {
		heading := strings.TrimSpace(c.Title)
		if heading == "" {
			heading = fmt.Sprintf("Section %d", c.OrderIndex)
		}
		var body string
		if c.Status == domainprojects.ChunkStatusDone {
			output, err := s.outputs.GetLatestForChunk(ctx, tx, c.ID, domainjobs.AnalysisKindSummary)
			if err != nil {
				return "", err
			}
			if output != nil {
				body = strings.TrimSpace(output.Content)
			}
		}
		if body == "" {
			body = "_No analysis available for this section._"
		}
		sections = append(sections, fmt.Sprintf("## %s\n\n%s", heading, body))
	}
	return strings.Join(sections, sectionSeparator), nil
}
