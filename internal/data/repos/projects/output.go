package projects

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/atenova/sintesi/internal/domain"
	"github.com/atenova/sintesi/internal/platform/logger"
)

type ChunkOutputRepo interface {
	// Create persists a write-once output record. There is deliberately no
	// update method on this repo.
	Create(ctx context.Context, tx *gorm.DB, output *types.ChunkOutput) (*types.ChunkOutput, error)
	GetByChunkIDs(ctx context.Context, tx *gorm.DB, chunkIDs []uuid.UUID) ([]*types.ChunkOutput, error)
	// GetLatestForChunk returns the most recent output for the chunk,
	// preferring the given analysis kind when present.
	GetLatestForChunk(ctx context.Context, tx *gorm.DB, chunkID uuid.UUID, preferredKind string) (*types.ChunkOutput, error)
}

type chunkOutputRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChunkOutputRepo(db *gorm.DB, baseLog *logger.Logger) ChunkOutputRepo {
	return &chunkOutputRepo{db: db, log: baseLog.With("repo", "ChunkOutputRepo")}
}

func (r *chunkOutputRepo) Create(ctx context.Context, tx *gorm.DB, output *types.ChunkOutput) (*types.ChunkOutput, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if err := transaction.WithContext(ctx).Create(output).Error; err != nil {
		return nil, err
	}
	return output, nil
}

func (r *chunkOutputRepo) GetByChunkIDs(ctx context.Context, tx *gorm.DB, chunkIDs []uuid.UUID) ([]*types.ChunkOutput, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.ChunkOutput
	if len(chunkIDs) == 0 {
		return results, nil
	}
	if err := transaction.WithContext(ctx).
		Where("chunk_id IN ?", chunkIDs).
		Order("created_at DESC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *chunkOutputRepo) GetLatestForChunk(ctx context.Context, tx *gorm.DB, chunkID uuid.UUID, preferredKind string) (*types.ChunkOutput, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var output types.ChunkOutput
	if preferredKind != "" {
		err := transaction.WithContext(ctx).
			Where("chunk_id = ? AND analysis_kind = ?", chunkID, preferredKind).
			Order("created_at DESC").
			Limit(1).
			Find(&output).Error
		if err != nil {
			return nil, err
		}
		if output.ID != uuid.Nil {
			return &output, nil
		}
	}
	err := transaction.WithContext(ctx).
		Where("chunk_id = ?", chunkID).
		Order("created_at DESC").
		Limit(1).
		Find(&output).Error
	if err != nil {
		return nil, err
	}
	if output.ID == uuid.Nil {
		return nil, nil
	}
	return &output, nil
}
