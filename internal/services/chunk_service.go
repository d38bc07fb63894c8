package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/atenova/sintesi/internal/data/repos"
	types "github.com/atenova/sintesi/internal/domain"
	domainprojects "github.com/atenova/sintesi/internal/domain/projects"
	"github.com/atenova/sintesi/internal/platform/apierr"
	"github.com/atenova/sintesi/internal/platform/logger"
	"github.com/atenova/sintesi/internal/requestdata"
)

type CreateChunkInput struct {
	Title          string         `json:"title"`
	Section        string         `json:"section"`
	PageRange      string         `json:"page_range"`
	Content        string         `json:"content"`
	SourceMetadata map[string]any `json:"source_metadata"`
}

type UpdateChunkInput struct {
	Title     *string `json:"title"`
	Section   *string `json:"section"`
	PageRange *string `json:"page_range"`
	Content   *string `json:"content"`
}

type ChunkService interface {
	Create(ctx context.Context, projectID uuid.UUID, in CreateChunkInput) (*types.Chunk, error)
	Update(ctx context.Context, chunkID uuid.UUID, in UpdateChunkInput) (*types.Chunk, error)
	Delete(ctx context.Context, chunkID uuid.UUID) error
	Reopen(ctx context.Context, chunkID uuid.UUID) (*types.Chunk, error)
	Reorder(ctx context.Context, projectID uuid.UUID, orderedIDs []uuid.UUID) ([]*types.Chunk, error)
	BulkUpdateStatus(ctx context.Context, chunkIDs []uuid.UUID, target string) ([]*types.Chunk, error)
}

// Status sets re-checked by the guarded repo writes inside the write statement.
var (
	chunkNonEditableStatuses = []string{
		domainprojects.ChunkStatusQueued,
		domainprojects.ChunkStatusProcessing,
		domainprojects.ChunkStatusDone,
	}
	chunkUndeletableStatuses = []string{
		domainprojects.ChunkStatusQueued,
		domainprojects.ChunkStatusProcessing,
	}
)

type chunkService struct {
	db       *gorm.DB
	log      *logger.Logger
	projects repos.ProjectRepo
	chunks   repos.ChunkRepo
}

func NewChunkService(db *gorm.DB, baseLog *logger.Logger, projects repos.ProjectRepo, chunks repos.ChunkRepo) ChunkService {
	return &chunkService{
		db:       db,
		log:      baseLog.With("service", "ChunkService"),
		projects: projects,
		chunks:   chunks,
	}
}

func (s *chunkService) Create(ctx context.Context, projectID uuid.UUID, in CreateChunkInput) (*types.Chunk, error) {
	project, err := requireOwnedProject(ctx, nil, s.projects, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status != domainprojects.ProjectStatusActive {
		return nil, apierr.Conflict("project is %s; chunks cannot be added", project.Status)
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, apierr.Validation("title is required")
	}
	if err := validateContent(in.Content); err != nil {
		return nil, err
	}

	chunk := &types.Chunk{
		ID:          uuid.New(),
		ProjectID:   projectID,
		OwnerUserID: project.OwnerUserID,
		Title:       title,
		Section:     strings.TrimSpace(in.Section),
		PageRange:   strings.TrimSpace(in.PageRange),
		Content:     in.Content,
		CharCount:   utf8.RuneCountInString(in.Content),
		WordCount:   len(strings.Fields(in.Content)),
		Status:      domainprojects.ChunkStatusDraft,
	}
	if in.SourceMetadata != nil {
		meta, err := marshalJSON(in.SourceMetadata)
		if err != nil {
			return nil, apierr.Validation("source_metadata is not serializable: %v", err)
		}
		chunk.SourceMetadata = meta
	}

	created, err := s.chunks.Create(ctx, nil, chunk)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	s.log.Info("Chunk created", "chunk_id", created.ID, "project_id", projectID, "order_index", created.OrderIndex)
	return created, nil
}

func (s *chunkService) Update(ctx context.Context, chunkID uuid.UUID, in UpdateChunkInput) (*types.Chunk, error) {
	chunk, project, err := s.requireOwnedChunk(ctx, nil, chunkID)
	if err != nil {
		return nil, err
	}
	if project.Status != domainprojects.ProjectStatusActive {
		return nil, apierr.Conflict("project is %s; chunks are read-only", project.Status)
	}
	if !domainprojects.ChunkEditable(chunk.Status) {
		return nil, apierr.Conflict("chunk is %s and cannot be edited", chunk.Status)
	}

	updates := map[string]interface{}{}
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return nil, apierr.Validation("title cannot be empty")
		}
		updates["title"] = title
		chunk.Title = title
	}
	if in.Section != nil {
		updates["section"] = strings.TrimSpace(*in.Section)
		chunk.Section = strings.TrimSpace(*in.Section)
	}
	if in.PageRange != nil {
		updates["page_range"] = strings.TrimSpace(*in.PageRange)
		chunk.PageRange = strings.TrimSpace(*in.PageRange)
	}
	if in.Content != nil {
		if err := validateContent(*in.Content); err != nil {
			return nil, err
		}
		updates["content"] = *in.Content
		updates["char_count"] = utf8.RuneCountInString(*in.Content)
		updates["word_count"] = len(strings.Fields(*in.Content))
		chunk.Content = *in.Content
		chunk.CharCount = updates["char_count"].(int)
		chunk.WordCount = updates["word_count"].(int)
	}
	if len(updates) == 0 {
		return chunk, nil
	}

	// The write re-checks the status so a chunk claimed by a batch intake
	// after our read above is not overwritten.
	ok, err := s.chunks.UpdateFieldsUnlessStatus(ctx, nil, chunkID, chunkNonEditableStatuses, updates)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	if !ok {
		return nil, apierr.Conflict("chunk was claimed for processing and can no longer be edited")
	}
	chunk.UpdatedAt = time.Now().UTC()
	return chunk, nil
}

func (s *chunkService) Delete(ctx context.Context, chunkID uuid.UUID) error {
	chunk, project, err := s.requireOwnedChunk(ctx, nil, chunkID)
	if err != nil {
		return err
	}
	if project.Status == domainprojects.ProjectStatusCompleted {
		return apierr.Conflict("project is completed; chunks are read-only")
	}
	if !domainprojects.ChunkDeletable(chunk.Status) {
		blocking, countErr := s.countActiveChunks(ctx, project.ID)
		if countErr != nil {
			blocking = 1
		}
		return apierr.Conflict("chunk is %s; %d chunk(s) in this project are queued or processing", chunk.Status, blocking)
	}
	deleted, err := s.chunks.DeleteUnlessStatus(ctx, nil, chunkID, chunkUndeletableStatuses)
	if err != nil {
		return apierr.Internal(err)
	}
	if !deleted {
		return apierr.Conflict("chunk was claimed for processing and can no longer be deleted")
	}
	s.log.Info("Chunk deleted", "chunk_id", chunkID, "project_id", project.ID)
	return nil
}

func (s *chunkService) Reopen(ctx context.Context, chunkID uuid.UUID) (*types.Chunk, error) {
	chunk, project, err := s.requireOwnedChunk(ctx, nil, chunkID)
	if err != nil {
		return nil, err
	}
	if project.Status != domainprojects.ProjectStatusActive {
		return nil, apierr.Conflict("project is %s; chunks are read-only", project.Status)
	}
	if !domainprojects.ChunkTerminal(chunk.Status) {
		return nil, apierr.Conflict("only done/error chunks can be re-opened; chunk is %s", chunk.Status)
	}
	moved, err := s.chunks.TransitionStatus(ctx, nil, chunkID, chunk.Status, domainprojects.ChunkStatusDraft,
		map[string]interface{}{"last_error": "", "processed_at": nil})
	if err != nil {
		return nil, apierr.Internal(err)
	}
	if !moved {
		return nil, apierr.Conflict("chunk status changed concurrently")
	}
	chunk.Status = domainprojects.ChunkStatusDraft
	chunk.LastError = ""
	chunk.ProcessedAt = nil
	return chunk, nil
}

func (s *chunkService) Reorder(ctx context.Context, projectID uuid.UUID, orderedIDs []uuid.UUID) ([]*types.Chunk, error) {
	project, err := requireOwnedProject(ctx, nil, s.projects, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status != domainprojects.ProjectStatusActive {
		return nil, apierr.Conflict("project is %s; chunks cannot be reordered", project.Status)
	}
	if len(orderedIDs) == 0 {
		return nil, apierr.Validation("ordered chunk id list is required")
	}
	if err := s.chunks.Reorder(ctx, nil, projectID, orderedIDs); err != nil {
		var mismatch *repos.ReorderMismatchError
		if errors.As(err, &mismatch) {
			return nil, apierr.Validation("%s", mismatch.Error())
		}
		return nil, apierr.Internal(err)
	}
	chunks, err := s.chunks.GetByProjectID(ctx, nil, projectID)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	return chunks, nil
}

func (s *chunkService) BulkUpdateStatus(ctx context.Context, chunkIDs []uuid.UUID, target string) ([]*types.Chunk, error) {
	ownerID := requestdata.UserID(ctx)
	if ownerID == uuid.Nil {
		return nil, apierr.Forbidden("no authenticated principal")
	}
	if len(chunkIDs) == 0 {
		return nil, apierr.Validation("chunk id list is required")
	}

	var result []*types.Chunk
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		chunks, err := s.chunks.GetByIDs(ctx, tx, chunkIDs)
		if err != nil {
			return apierr.Internal(err)
		}
		byID := make(map[uuid.UUID]*types.Chunk, len(chunks))
		for _, c := range chunks {
			byID[c.ID] = c
		}
		// Validate every id before touching any row; one bad id rejects
		// the whole batch.
		for _, id := range chunkIDs {
			chunk, ok := byID[id]
			if !ok || chunk.OwnerUserID != ownerID {
				return apierr.Validation("chunk %s not found", id)
			}
			if !domainprojects.ChunkCanTransition(chunk.Status, target) {
				return apierr.Validation("chunk %s cannot move %s -> %s", id, chunk.Status, target)
			}
		}
		if err := s.chunks.BulkUpdateStatus(ctx, tx, chunkIDs, target); err != nil {
			return apierr.Internal(err)
		}
		result, err = s.chunks.GetByIDs(ctx, tx, chunkIDs)
		if err != nil {
			return apierr.Internal(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("Bulk status update applied", "count", len(chunkIDs), "target", target)
	return result, nil
}

func (s *chunkService) requireOwnedChunk(ctx context.Context, tx *gorm.DB, chunkID uuid.UUID) (*types.Chunk, *types.Project, error) {
	ownerID := requestdata.UserID(ctx)
	if ownerID == uuid.Nil {
		return nil, nil, apierr.Forbidden("no authenticated principal")
	}
	chunk, err := s.chunks.GetByID(ctx, tx, chunkID)
	if err != nil {
		return nil, nil, apierr.Internal(err)
	}
	if chunk == nil || chunk.OwnerUserID != ownerID {
		return nil, nil, apierr.NotFound("chunk %s not found", chunkID)
	}
	project, err := s.projects.GetByID(ctx, tx, chunk.ProjectID)
	if err != nil {
		return nil, nil, apierr.Internal(err)
	}
	if project == nil {
		return nil, nil, apierr.NotFound("project %s not found", chunk.ProjectID)
	}
	return chunk, project, nil
}

func (s *chunkService) countActiveChunks(ctx context.Context, projectID uuid.UUID) (int, error) {
	chunks, err := s.chunks.GetByProjectID(ctx, nil, projectID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range chunks {
		if c.Status == domainprojects.ChunkStatusQueued || c.Status == domainprojects.ChunkStatusProcessing {
			n++
		}
	}
	return n, nil
}

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return apierr.Validation("content is required")
	}
	if n := utf8.RuneCountInString(content); n > domainprojects.MaxChunkContentChars {
		return apierr.Validation("content is %d characters; the cap is %d", n, domainprojects.MaxChunkContentChars)
	}
	return nil
}

func marshalJSON(v map[string]any) (datatypes.JSON, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
