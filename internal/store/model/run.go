package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Run is one pipeline execution: a scan of a protocol or a validation
// of a proof. SubjectID points at the protocol for scans and at the
// proof for validations.
type Run struct {
	gorm.Model
	ID            uuid.UUID `json:"id" gorm:"primaryKey"`
	Kind          string    `gorm:"not null;index:runs_kind_status_idx"`
	Status        string    `gorm:"not null;index:runs_kind_status_idx"`
	SubjectID     uuid.UUID `gorm:"not null;type:TEXT"`
	WorkerID      *uuid.UUID
	FindingsCount int
	ErrorCode     string
	ErrorMessage  string
	Annotations   *JSONField[[]string] `gorm:"type:jsonb"`
	StartedAt     *time.Time
	FinishedAt    *time.Time
	Steps         []Step `gorm:"foreignKey:RunID;references:ID;constraint:OnDelete:CASCADE;"`
}

type RunList []Run

func (r Run) String() string {
	v, _ := json.Marshal(r)
	return string(v)
}

func NewRunFromID(id uuid.UUID) *Run {
	return &Run{ID: id}
}
