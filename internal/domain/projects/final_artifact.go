package projects

import (
	"time"

	"github.com/google/uuid"
)

// FinalArtifact is the merged, ordered document produced exactly once per
// project by the finalizer.
type FinalArtifact struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID uuid.UUID `gorm:"type:uuid;not null;index" json:"project_id"`
	Content   string    `gorm:"column:content;type:text;not null" json:"content"`
	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (FinalArtifact) TableName() string { return "final_artifact" }
