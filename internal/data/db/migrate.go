package db

import (
	types "github.com/atenova/sintesi/internal/domain"
	"gorm.io/gorm"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Project{},
		&types.Chunk{},
		&types.ChunkOutput{},
		&types.FinalArtifact{},
		&types.BatchJob{},
	)
}
