package model

import (
	"encoding/json"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Proof is the encrypted exploit artifact tied one-to-one to a
// finding. Payload is an age ciphertext, PayloadHash the keccak-256
// hex of that ciphertext, Signature an ed25519 signature over it.
type Proof struct {
	gorm.Model
	ID                  uuid.UUID `json:"id" gorm:"primaryKey"`
	FindingID           uuid.UUID `gorm:"not null;uniqueIndex:proofs_finding_id_key;type:TEXT"`
	Payload             []byte    `gorm:"not null"`
	PayloadHash         string    `gorm:"not null"`
	Signature           string
	Status              string `gorm:"not null"`
	OnChainValidationID string
	OnChainTxHash       string
}

type ProofList []Proof

func (p Proof) String() string {
	v, _ := json.Marshal(p)
	return string(v)
}
