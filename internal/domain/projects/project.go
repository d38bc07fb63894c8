package projects

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	ProjectStatusActive    = "active"
	ProjectStatusCompleted = "completed"
	ProjectStatusCancelled = "cancelled"
)

type Project struct {
	ID          uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OwnerUserID uuid.UUID `gorm:"type:uuid;not null;index" json:"owner_user_id"`

	Title   string `gorm:"column:title;not null" json:"title"`
	Faculty string `gorm:"column:faculty" json:"faculty,omitempty"`
	Topic   string `gorm:"column:topic" json:"topic,omitempty"`

	Status string `gorm:"column:status;not null;default:'active';index" json:"status"`

	// Set exactly once by the finalizer, together with status=completed.
	FinalArtifactID *uuid.UUID `gorm:"type:uuid;column:final_artifact_id" json:"final_artifact_id,omitempty"`
	CompletedAt     *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Project) TableName() string { return "project" }
