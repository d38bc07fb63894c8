package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/atenova/sintesi/internal/domain"
	"github.com/atenova/sintesi/internal/domain/jobs"
	"github.com/atenova/sintesi/internal/platform/logger"
)

type BatchJobRepo interface {
	Create(ctx context.Context, tx *gorm.DB, job *types.BatchJob) (*types.BatchJob, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.BatchJob, error)
	GetActiveByProjectID(ctx context.Context, tx *gorm.DB, projectID uuid.UUID) ([]*types.BatchJob, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	// ClaimNextQueued picks one queued job (oldest first, SKIP LOCKED) and
	// moves it queued->running. Returns nil when there is nothing to claim.
	ClaimNextQueued(ctx context.Context, tx *gorm.DB) (*types.BatchJob, error)
	// TransitionStatus is a compare-and-swap on (id, status).
	TransitionStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to string, updates map[string]interface{}) (bool, error)
	// IncrementProcessed bumps processed_units by one, guarded so it can
	// never exceed total_units, and refreshes the persisted progress figure.
	IncrementProcessed(ctx context.Context, tx *gorm.DB, id uuid.UUID) (bool, error)
	// RequestCancel flips the cooperative cancellation flag on a still
	// active (queued/running) job.
	RequestCancel(ctx context.Context, tx *gorm.DB, id uuid.UUID) (bool, error)
}

type batchJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewBatchJobRepo(db *gorm.DB, baseLog *logger.Logger) BatchJobRepo {
	return &batchJobRepo{db: db, log: baseLog.With("repo", "BatchJobRepo")}
}

func (r *batchJobRepo) Create(ctx context.Context, tx *gorm.DB, job *types.BatchJob) (*types.BatchJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if err := transaction.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (r *batchJobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.BatchJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var job types.BatchJob
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *batchJobRepo) GetActiveByProjectID(ctx context.Context, tx *gorm.DB, projectID uuid.UUID) ([]*types.BatchJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.BatchJob
	err := transaction.WithContext(ctx).
		Where("project_id = ? AND status IN ?", projectID, []string{jobs.BatchStatusQueued, jobs.BatchStatusRunning}).
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (r *batchJobRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return transaction.WithContext(ctx).
		Model(&types.BatchJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *batchJobRepo) ClaimNextQueued(ctx context.Context, tx *gorm.DB) (*types.BatchJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var claimed *types.BatchJob
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var job types.BatchJob
		err := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", jobs.BatchStatusQueued).
			Order("created_at ASC").
			Limit(1).
			Find(&job).Error
		if err != nil {
			return err
		}
		if job.ID == uuid.Nil {
			return nil
		}
		now := time.Now().UTC()
		res := txx.Model(&types.BatchJob{}).
			Where("id = ? AND status = ?", job.ID, jobs.BatchStatusQueued).
			Updates(map[string]interface{}{
				"status":     jobs.BatchStatusRunning,
				"started_at": now,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		job.Status = jobs.BatchStatusRunning
		job.StartedAt = &now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *batchJobRepo) TransitionStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to string, updates map[string]interface{}) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = to
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	res := transaction.WithContext(ctx).
		Model(&types.BatchJob{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *batchJobRepo) IncrementProcessed(ctx context.Context, tx *gorm.DB, id uuid.UUID) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).
		Model(&types.BatchJob{}).
		Where("id = ? AND processed_units < total_units", id).
		Updates(map[string]interface{}{
			"processed_units": gorm.Expr("processed_units + 1"),
			"progress":        gorm.Expr("LEAST((processed_units + 1) * 100 / NULLIF(total_units, 0), 100)"),
			"updated_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *batchJobRepo) RequestCancel(ctx context.Context, tx *gorm.DB, id uuid.UUID) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).
		Model(&types.BatchJob{}).
		Where("id = ? AND status IN ?", id, []string{jobs.BatchStatusQueued, jobs.BatchStatusRunning}).
		Updates(map[string]interface{}{
			"cancel_requested": true,
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
