package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Step records one executed pipeline step. Seq preserves declaration
// order within the run; a new record is appended per attempt, never
// rewritten by a later step.
type Step struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	CreatedAt    time.Time `gorm:"not null"`
	RunID        uuid.UUID `gorm:"not null;index:steps_run_id_idx;type:TEXT"`
	Seq          int       `gorm:"not null"`
	Name         string    `gorm:"not null"`
	Status       string    `gorm:"not null"`
	ErrorCode    string
	ErrorMessage string
	Metadata     *JSONField[map[string]any] `gorm:"type:jsonb"`
	StartedAt    time.Time
	FinishedAt   *time.Time
}

type StepList []Step

func (s Step) String() string {
	v, _ := json.Marshal(s)
	return string(v)
}
