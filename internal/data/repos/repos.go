package repos

import (
	"gorm.io/gorm"

	"github.com/atenova/sintesi/internal/data/repos/jobs"
	"github.com/atenova/sintesi/internal/data/repos/projects"
	"github.com/atenova/sintesi/internal/platform/logger"
)

type ProjectRepo = projects.ProjectRepo
type ChunkRepo = projects.ChunkRepo
type ChunkOutputRepo = projects.ChunkOutputRepo
type FinalArtifactRepo = projects.FinalArtifactRepo
type BatchJobRepo = jobs.BatchJobRepo

type ReorderMismatchError = projects.ReorderMismatchError

func NewProjectRepo(db *gorm.DB, log *logger.Logger) ProjectRepo {
	return projects.NewProjectRepo(db, log)
}

func NewChunkRepo(db *gorm.DB, log *logger.Logger) ChunkRepo {
	return projects.NewChunkRepo(db, log)
}

func NewChunkOutputRepo(db *gorm.DB, log *logger.Logger) ChunkOutputRepo {
	return projects.NewChunkOutputRepo(db, log)
}

func NewFinalArtifactRepo(db *gorm.DB, log *logger.Logger) FinalArtifactRepo {
	return projects.NewFinalArtifactRepo(db, log)
}

func NewBatchJobRepo(db *gorm.DB, log *logger.Logger) BatchJobRepo {
	return jobs.NewBatchJobRepo(db, log)
}
