package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/atenova/sintesi/internal/data/repos"
	"github.com/atenova/sintesi/internal/data/repos/testutil"
	types "github.com/atenova/sintesi/internal/domain"
	domainprojects "github.com/atenova/sintesi/internal/domain/projects"
	"github.com/atenova/sintesi/internal/platform/logger"
	"github.com/atenova/sintesi/internal/requestdata"
)

type svcEnv struct {
	ctx       context.Context
	tx        *gorm.DB
	log       *logger.Logger
	owner     uuid.UUID
	projects  repos.ProjectRepo
	chunks    repos.ChunkRepo
	outputs   repos.ChunkOutputRepo
	artifacts repos.FinalArtifactRepo
	jobs      repos.BatchJobRepo
}

func newSvcEnv(t *testing.T) *svcEnv {
	t.Helper()
	tx := testutil.Tx(t, testutil.DB(t))
	log := testutil.Logger(t)
	owner := uuid.New()
	ctx := requestdata.WithRequestData(context.Background(), &requestdata.RequestData{UserID: owner})
	return &svcEnv{
		ctx:       ctx,
		tx:        tx,
		log:       log,
		owner:     owner,
		projects:  repos.NewProjectRepo(tx, log),
		chunks:    repos.NewChunkRepo(tx, log),
		outputs:   repos.NewChunkOutputRepo(tx, log),
		artifacts: repos.NewFinalArtifactRepo(tx, log),
		jobs:      repos.NewBatchJobRepo(tx, log),
	}
}

// newSvcEnvSameDB shares the transaction but acts as a different principal.
func newSvcEnvSameDB(t *testing.T, base *svcEnv) *svcEnv {
	t.Helper()
	owner := uuid.New()
	clone := *base
	clone.owner = owner
	clone.ctx = requestdata.WithRequestData(context.Background(), &requestdata.RequestData{UserID: owner})
	return &clone
}

func (e *svcEnv) seedProject(t *testing.T) *types.Project {
	t.Helper()
	project, err := e.projects.Create(e.ctx, e.tx, &types.Project{
		ID:          uuid.New(),
		OwnerUserID: e.owner,
		Title:       "Macroeconomics reader",
		Faculty:     "Economics",
		Topic:       "Monetary policy",
		Status:      domainprojects.ProjectStatusActive,
	})
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return project
}

func (e *svcEnv) seedChunk(t *testing.T, project *types.Project, title, status string) *types.Chunk {
	t.Helper()
	chunk, err := e.chunks.Create(e.ctx, e.tx, &types.Chunk{
		ID:          uuid.New(),
		ProjectID:   project.ID,
		OwnerUserID: project.OwnerUserID,
		Title:       title,
		Content:     "body of " + title,
		Status:      domainprojects.ChunkStatusDraft,
	})
	if err != nil {
		t.Fatalf("seed chunk %s: %v", title, err)
	}
	if status != domainprojects.ChunkStatusDraft {
		if err := e.chunks.UpdateFields(e.ctx, e.tx, chunk.ID, map[string]interface{}{"status": status}); err != nil {
			t.Fatalf("set chunk status: %v", err)
		}
		chunk.Status = status
	}
	return chunk
}

func (e *svcEnv) chunkStatus(t *testing.T, id uuid.UUID) string {
	t.Helper()
	chunk, err := e.chunks.GetByID(e.ctx, e.tx, id)
	if err != nil || chunk == nil {
		t.Fatalf("get chunk %s: %v", id, err)
	}
	return chunk.Status
}
