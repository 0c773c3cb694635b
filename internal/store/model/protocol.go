package model

import (
	"encoding/json"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Protocol is a registered scan target: a contract repository pinned
// to a commit. WalletAddress receives reputation feedback for
// validated findings.
type Protocol struct {
	gorm.Model
	ID            uuid.UUID `json:"id" gorm:"primaryKey"`
	Name          string    `gorm:"not null"`
	RepoURL       string    `gorm:"not null"`
	CommitHash    string    `gorm:"not null"`
	ContractPath  string
	ContractName  string
	WalletAddress string
	Network       string
}

type ProtocolList []Protocol

func (p Protocol) String() string {
	v, _ := json.Marshal(p)
	return string(v)
}
