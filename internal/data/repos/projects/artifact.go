package projects

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/atenova/sintesi/internal/domain"
	"github.com/atenova/sintesi/internal/platform/logger"
)

type FinalArtifactRepo interface {
	Create(ctx context.Context, tx *gorm.DB, artifact *types.FinalArtifact) (*types.FinalArtifact, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.FinalArtifact, error)
	GetByProjectID(ctx context.Context, tx *gorm.DB, projectID uuid.UUID) (*types.FinalArtifact, error)
}

type finalArtifactRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewFinalArtifactRepo(db *gorm.DB, baseLog *logger.Logger) FinalArtifactRepo {
	return &finalArtifactRepo{db: db, log: baseLog.With("repo", "FinalArtifactRepo")}
}

func (r *finalArtifactRepo) Create(ctx context.Context, tx *gorm.DB, artifact *types.FinalArtifact) (*types.FinalArtifact, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if err := transaction.WithContext(ctx).Create(artifact).Error; err != nil {
		return nil, err
	}
	return artifact, nil
}

func (r *finalArtifactRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.FinalArtifact, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var artifact types.FinalArtifact
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&artifact).Error
	if err != nil {
		return nil, err
	}
	if artifact.ID == uuid.Nil {
		return nil, nil
	}
	return &artifact, nil
}

func (r *finalArtifactRepo) GetByProjectID(ctx context.Context, tx *gorm.DB, projectID uuid.UUID) (*types.FinalArtifact, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var artifact types.FinalArtifact
	err := transaction.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		Limit(1).
		Find(&artifact).Error
	if err != nil {
		return nil, err
	}
	if artifact.ID == uuid.Nil {
		return nil, nil
	}
	return &artifact, nil
}
