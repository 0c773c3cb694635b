package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Worker is a long-lived agent process that claims runs. CurrentRunID
// is non-null only while Status is BUSY.
type Worker struct {
	gorm.Model
	ID             uuid.UUID `json:"id" gorm:"primaryKey"`
	Name           string
	Type           string `gorm:"not null"`
	Status         string `gorm:"not null"`
	StatusInfo     string
	CurrentRunID   *uuid.UUID
	CompletedCount int
	Version        string
	LastSeenAt     *time.Time
}

type WorkerList []Worker

func (w Worker) String() string {
	v, _ := json.Marshal(w)
	return string(v)
}

func NewWorkerFromID(id uuid.UUID) *Worker {
	return &Worker{ID: id}
}
