package projects

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/atenova/sintesi/internal/domain"
	"github.com/atenova/sintesi/internal/platform/logger"
)

// ReorderMismatchError reports the diff between the submitted id set and the
// project's current membership. Reorder requires the full ordered set.
type ReorderMismatchError struct {
	Missing []uuid.UUID
	Extra   []uuid.UUID
}

func (e *ReorderMismatchError) Error() string {
	parts := []string{"reorder set does not match project membership"}
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing=%v", e.Missing))
	}
	if len(e.Extra) > 0 {
		parts = append(parts, fmt.Sprintf("extra=%v", e.Extra))
	}
	return strings.Join(parts, " ")
}

type ChunkRepo interface {
	// Create appends the chunk to its project: order_index is assigned
	// MAX+1 inside a transaction that locks the project row, so two
	// near-simultaneous creates can never receive the same index.
	Create(ctx context.Context, tx *gorm.DB, chunk *types.Chunk) (*types.Chunk, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Chunk, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Chunk, error)
	GetByProjectID(ctx context.Context, tx *gorm.DB, projectID uuid.UUID) ([]*types.Chunk, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	// UpdateFieldsUnlessStatus writes only while the chunk's status is not in
	// the disallowed set, in one statement. false means another actor claimed
	// the chunk between the caller's read and this write.
	UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error)
	// DeleteUnlessStatus removes the chunk and closes the order_index gap it
	// leaves, unless the chunk's status is in the disallowed set. false means
	// the row was left untouched.
	DeleteUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, disallowedStatuses []string) (bool, error)
	// Reorder atomically reassigns order_index 1..N following orderedIDs.
	// The id set must equal current membership or a *ReorderMismatchError
	// is returned and nothing is changed.
	Reorder(ctx context.Context, tx *gorm.DB, projectID uuid.UUID, orderedIDs []uuid.UUID) error
	// TransitionStatus is the claim primitive: a compare-and-swap on
	// (id, status). false means another actor already moved the chunk.
	TransitionStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to string, updates map[string]interface{}) (bool, error)
	// BulkUpdateStatus applies one target status to every id. Legality and
	// ownership are validated by the caller inside the same transaction.
	BulkUpdateStatus(ctx context.Context, tx *gorm.DB, ids []uuid.UUID, target string) error
}

type chunkRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChunkRepo(db *gorm.DB, baseLog *logger.Logger) ChunkRepo {
	return &chunkRepo{db: db, log: baseLog.With("repo", "ChunkRepo")}
}

func (r *chunkRepo) Create(ctx context.Context, tx *gorm.DB, chunk *types.Chunk) (*types.Chunk, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		// Serialize appends per project through the parent row lock.
		var project types.Project
		if err := txx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", chunk.ProjectID).
			Limit(1).
			Find(&project).Error; err != nil {
			return err
		}
		if project.ID == uuid.Nil {
			return fmt.Errorf("project %s not found", chunk.ProjectID)
		}
		var maxIndex int
		if err := txx.Model(&types.Chunk{}).
			Where("project_id = ?", chunk.ProjectID).
			Select("COALESCE(MAX(order_index), 0)").
			Scan(&maxIndex).Error; err != nil {
			return err
		}
		chunk.OrderIndex = maxIndex + 1
		return txx.Create(chunk).Error
	})
	if err != nil {
		return nil, err
	}
	return chunk, nil
}

func (r *chunkRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Chunk, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var chunk types.Chunk
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&chunk).Error
	if err != nil {
		return nil, err
	}
	if chunk.ID == uuid.Nil {
		return nil, nil
	}
	return &chunk, nil
}

func (r *chunkRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Chunk, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.Chunk
	if len(ids) == 0 {
		return results, nil
	}
	if err := transaction.WithContext(ctx).
		Where("id IN ?", ids).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *chunkRepo) GetByProjectID(ctx context.Context, tx *gorm.DB, projectID uuid.UUID) ([]*types.Chunk, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.Chunk
	if err := transaction.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("order_index ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *chunkRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.Chunk{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *chunkRepo) UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	query := transaction.WithContext(ctx).
		Model(&types.Chunk{}).
		Where("id = ?", id)
	if len(disallowedStatuses) > 0 {
		query = query.Where("status NOT IN ?", disallowedStatuses)
	}
	res := query.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *chunkRepo) DeleteUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, disallowedStatuses []string) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	deleted := false
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var chunk types.Chunk
		if err := txx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			Limit(1).
			Find(&chunk).Error; err != nil {
			return err
		}
		if chunk.ID == uuid.Nil {
			// Already gone; deleting twice is not an error.
			deleted = true
			return nil
		}
		for _, status := range disallowedStatuses {
			if chunk.Status == status {
				return nil
			}
		}
		if err := txx.Delete(&chunk).Error; err != nil {
			return err
		}
		// Keep order_index dense: shift everything after the hole down by one.
		if err := txx.Model(&types.Chunk{}).
			Where("project_id = ? AND order_index > ?", chunk.ProjectID, chunk.OrderIndex).
			UpdateColumn("order_index", gorm.Expr("order_index - 1")).Error; err != nil {
			return err
		}
		deleted = true
		return nil
	})
	return deleted, err
}

func (r *chunkRepo) Reorder(ctx context.Context, tx *gorm.DB, projectID uuid.UUID, orderedIDs []uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var project types.Project
		if err := txx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", projectID).
			Limit(1).
			Find(&project).Error; err != nil {
			return err
		}
		if project.ID == uuid.Nil {
			return fmt.Errorf("project %s not found", projectID)
		}

		var current []*types.Chunk
		if err := txx.Where("project_id = ?", projectID).Find(&current).Error; err != nil {
			return err
		}
		if err := diffMembership(current, orderedIDs); err != nil {
			return err
		}

		now := time.Now().UTC()
		for i, id := range orderedIDs {
			if err := txx.Model(&types.Chunk{}).
				Where("id = ? AND project_id = ?", id, projectID).
				Updates(map[string]interface{}{
					"order_index": i + 1,
					"updated_at":  now,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func diffMembership(current []*types.Chunk, submitted []uuid.UUID) error {
	currentSet := make(map[uuid.UUID]bool, len(current))
	for _, c := range current {
		currentSet[c.ID] = true
	}
	submittedSet := make(map[uuid.UUID]bool, len(submitted))
	for _, id := range submitted {
		if submittedSet[id] {
			return &ReorderMismatchError{Extra: []uuid.UUID{id}}
		}
		submittedSet[id] = true
	}

	var missing, extra []uuid.UUID
	for id := range currentSet {
		if !submittedSet[id] {
			missing = append(missing, id)
		}
	}
	for id := range submittedSet {
		if !currentSet[id] {
			extra = append(extra, id)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].String() < missing[j].String() })
	sort.Slice(extra, func(i, j int) bool { return extra[i].String() < extra[j].String() })
	return &ReorderMismatchError{Missing: missing, Extra: extra}
}

func (r *chunkRepo) TransitionStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to string, updates map[string]interface{}) (bool, error) {
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
		Model(&types.Chunk{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *chunkRepo) BulkUpdateStatus(ctx context.Context, tx *gorm.DB, ids []uuid.UUID, target string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(ids) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Model(&types.Chunk{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"status":     target,
			"updated_at": time.Now().UTC(),
		}).Error
}
