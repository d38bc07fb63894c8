package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	BatchStatusQueued    = "queued"
	BatchStatusRunning   = "running"
	BatchStatusCompleted = "completed"
	BatchStatusFailed    = "failed"
	BatchStatusCancelled = "cancelled"
)

// Analysis kinds form a closed set; intake rejects anything else.
const (
	AnalysisKindSummary       = "summary"
	AnalysisKindKeyConcepts   = "key_concepts"
	AnalysisKindExamQuestions = "exam_questions"
	AnalysisKindGlossary      = "glossary"
)

var KnownAnalysisKinds = map[string]bool{
	AnalysisKindSummary:       true,
	AnalysisKindKeyConcepts:   true,
	AnalysisKindExamQuestions: true,
	AnalysisKindGlossary:      true,
}

type BatchJob struct {
	ID          uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID   uuid.UUID `gorm:"type:uuid;not null;index" json:"project_id"`
	OwnerUserID uuid.UUID `gorm:"type:uuid;not null;index" json:"owner_user_id"`

	// Explicit selection, stored as JSON lists of uuid / kind strings.
	ChunkIDs      datatypes.JSON `gorm:"type:jsonb;column:chunk_ids;not null" json:"chunk_ids"`
	AnalysisKinds datatypes.JSON `gorm:"type:jsonb;column:analysis_kinds;not null" json:"analysis_kinds"`

	TotalUnits     int `gorm:"column:total_units;not null;default:0" json:"total_units"`
	ProcessedUnits int `gorm:"column:processed_units;not null;default:0" json:"processed_units"`
	// Persisted 0-100 so observers see monotonically non-decreasing progress.
	Progress int `gorm:"column:progress;not null;default:0" json:"progress"`

	Status          string  `gorm:"column:status;not null;default:'queued';index" json:"status"`
	CancelRequested bool    `gorm:"column:cancel_requested;not null;default:false" json:"cancel_requested"`
	EstimatedCost   float64 `gorm:"column:estimated_cost;not null;default:0" json:"estimated_cost"`
	Error           string  `gorm:"column:error" json:"error,omitempty"`

	StartedAt   *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (BatchJob) TableName() string { return "batch_job" }

// BatchTerminal reports whether a job status admits no further transitions.
func BatchTerminal(status string) bool {
	switch status {
	case BatchStatusCompleted, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}

// ProgressPercentage derives the 0-100 progress figure for a unit count.
func ProgressPercentage(processed, total int) int {
	if total <= 0 {
		return 0
	}
	if processed >= total {
		return 100
	}
	return processed * 100 / total
}
