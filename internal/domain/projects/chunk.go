package projects

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ChunkStatusDraft      = "draft"
	ChunkStatusReady      = "ready"
	ChunkStatusQueued     = "queued"
	ChunkStatusProcessing = "processing"
	ChunkStatusDone       = "done"
	ChunkStatusError      = "error"
)

// MaxChunkContentChars bounds raw chunk content so cost estimation and the
// downstream model context stay bounded.
const MaxChunkContentChars = 50000

type Chunk struct {
	ID          uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID   uuid.UUID `gorm:"type:uuid;not null;index:idx_chunk_project_order" json:"project_id"`
	Project     *Project  `gorm:"constraint:OnDelete:CASCADE;foreignKey:ProjectID;references:ID" json:"project,omitempty"`
	OwnerUserID uuid.UUID `gorm:"type:uuid;not null;index" json:"owner_user_id"`

	Title     string `gorm:"column:title;not null" json:"title"`
	Section   string `gorm:"column:section" json:"section,omitempty"`
	PageRange string `gorm:"column:page_range" json:"page_range,omitempty"`

	// 1-based, dense and unique within a project. Uniqueness is enforced by
	// the append/reorder transactions (the project row is locked), not by a
	// DB constraint, because soft-deleted rows keep their old index.
	OrderIndex int `gorm:"column:order_index;not null;index:idx_chunk_project_order" json:"order_index"`

	Content   string `gorm:"column:content;type:text;not null" json:"content"`
	CharCount int    `gorm:"column:char_count;not null;default:0" json:"char_count"`
	WordCount int    `gorm:"column:word_count;not null;default:0" json:"word_count"`

	Status    string `gorm:"column:status;not null;default:'draft';index" json:"status"`
	LastError string `gorm:"column:last_error" json:"last_error,omitempty"`

	SourceMetadata datatypes.JSON `gorm:"type:jsonb;column:source_metadata" json:"source_metadata,omitempty"`

	ProcessedAt *time.Time     `gorm:"column:processed_at" json:"processed_at,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Chunk) TableName() string { return "chunk" }

// chunkTransitions is the full status machine. A transition absent here is
// illegal no matter who asks.
var chunkTransitions = map[string][]string{
	ChunkStatusDraft:      {ChunkStatusReady},
	ChunkStatusReady:      {ChunkStatusQueued},
	ChunkStatusQueued:     {ChunkStatusProcessing, ChunkStatusReady},
	ChunkStatusProcessing: {ChunkStatusDone, ChunkStatusError},
	ChunkStatusDone:       {ChunkStatusDraft},
	ChunkStatusError:      {ChunkStatusDraft, ChunkStatusQueued},
}

func ChunkCanTransition(from, to string) bool {
	for _, t := range chunkTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ChunkEditable reports whether title/section/content edits are allowed.
func ChunkEditable(status string) bool {
	switch status {
	case ChunkStatusDraft, ChunkStatusReady, ChunkStatusError:
		return true
	}
	return false
}

// ChunkDeletable reports whether a chunk may be removed from its project.
func ChunkDeletable(status string) bool {
	switch status {
	case ChunkStatusQueued, ChunkStatusProcessing:
		return false
	}
	return true
}

// ChunkTerminal reports whether no further automatic transition occurs.
func ChunkTerminal(status string) bool {
	return status == ChunkStatusDone || status == ChunkStatusError
}

// ChunkSubmittable reports whether a chunk may be selected into a batch job.
// Error chunks are resubmittable without an explicit re-open.
func ChunkSubmittable(status string) bool {
	return status == ChunkStatusReady || status == ChunkStatusError
}
