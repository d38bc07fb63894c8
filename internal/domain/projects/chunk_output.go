package projects

import (
	"time"

	"github.com/google/uuid"
)

// ChunkOutput is the write-once result of one (chunk, analysis kind) unit.
// Rows are never mutated; the finalizer reads the most recent row per pair.
type ChunkOutput struct {
	ID         uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ChunkID    uuid.UUID `gorm:"type:uuid;not null;index" json:"chunk_id"`
	Chunk      *Chunk    `gorm:"constraint:OnDelete:CASCADE;foreignKey:ChunkID;references:ID" json:"chunk,omitempty"`
	BatchJobID uuid.UUID `gorm:"type:uuid;not null;index" json:"batch_job_id"`

	AnalysisKind string `gorm:"column:analysis_kind;not null;index" json:"analysis_kind"`
	Content      string `gorm:"column:content;type:text;not null" json:"content"`
	Model        string `gorm:"column:model" json:"model,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (ChunkOutput) TableName() string { return "chunk_output" }
