package model

import (
	"encoding/json"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Finding is a candidate vulnerability detected by static or AI
// analysis. VulnerabilityType and the location fields are fixed at
// creation; only Status and the validation outcome move afterwards.
type Finding struct {
	gorm.Model
	ID                uuid.UUID `json:"id" gorm:"primaryKey"`
	RunID             uuid.UUID `gorm:"not null;index:findings_run_id_idx;type:TEXT"`
	ProtocolID        uuid.UUID `gorm:"not null;type:TEXT"`
	VulnerabilityType string    `gorm:"not null"`
	Severity          string    `gorm:"not null"`
	FilePath          string
	Line              int
	Selector          string
	Description       string
	ConfidenceScore   float64
	Status            string                        `gorm:"not null"`
	Details           *JSONField[map[string]string] `gorm:"type:jsonb"`
	Proof             *Proof                        `gorm:"foreignKey:FindingID;references:ID;constraint:OnDelete:CASCADE;"`
}

type FindingList []Finding

func (f Finding) String() string {
	v, _ := json.Marshal(f)
	return string(v)
}
