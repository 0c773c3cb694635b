// Package proof builds, seals, and verifies exploit proofs. A proof's
// plaintext payload is age-encrypted to the validator fleet, hashed
// with keccak-256 for on-chain reference, and signed by the producing
// researcher so validators can attribute it.
package proof

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"filippo.io/age"
	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/sha3"
)

// PayloadVersion is written into every payload; validators reject
// versions they do not understand.
const PayloadVersion = 1

// Reproduction steps reference sandbox-relative identities, not real
// addresses: the validator redeploys the contract and substitutes
// these placeholders before replay.
const (
	ContractPlaceholder = "$CONTRACT"
	AttackerPlaceholder = "$ATTACKER"
)

// Expected-outcome checks understood by the exploit replayer.
const (
	CheckBalanceIncrease = "balance_increase"
	CheckCallReverts     = "call_reverts"
)

// ReproductionStep is one transaction of the exploit replay.
type ReproductionStep struct {
	To    string `json:"to" validate:"required"`
	Data  string `json:"data,omitempty"`
	Value string `json:"value,omitempty"`
}

// ExpectedOutcome tells the replayer how to judge the final state.
type ExpectedOutcome struct {
	Check  string `json:"check" validate:"required,oneof=balance_increase call_reverts"`
	Target string `json:"target,omitempty"`
}

// Payload is the plaintext proof document sealed to validators.
type Payload struct {
	Version           int                `json:"version" validate:"required"`
	FindingID         string             `json:"finding_id" validate:"required,uuid"`
	ProtocolID        string             `json:"protocol_id" validate:"required,uuid"`
	VulnerabilityType string             `json:"vulnerability_type" validate:"required"`
	Narrative         string             `json:"narrative" validate:"required"`
	Steps             []ReproductionStep `json:"steps" validate:"required,min=1,dive"`
	Expected          ExpectedOutcome    `json:"expected"`
	DeploymentUsed    bool               `json:"deployment_used"`
}

var validate = validator.New()

// EncodePayload serializes a payload after checking its shape, so a
// malformed proof is caught on the producing side, not by validators.
func EncodePayload(p *Payload) ([]byte, error) {
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("invalid proof payload: %w", err)
	}

	return json.Marshal(p)
}

// DecodePayload parses and shape-checks a decrypted payload.
func DecodePayload(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse proof payload: %w", err)
	}
	if p.Version != PayloadVersion {
		return nil, fmt.Errorf("unsupported proof payload version %d", p.Version)
	}
	if err := validate.Struct(&p); err != nil {
		return nil, fmt.Errorf("invalid proof payload: %w", err)
	}

	return &p, nil
}

// Encrypt seals plaintext to one or more age X25519 recipients.
func Encrypt(plaintext []byte, recipientKeys []string) ([]byte, error) {
	if len(recipientKeys) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	var ciphertext bytes.Buffer
	w, err := age.Encrypt(&ciphertext, recipients...)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("failed to write plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize encryption: %w", err)
	}

	return ciphertext.Bytes(), nil
}

// Decrypt opens a sealed payload with the validator's age identity
// (AGE-SECRET-KEY-1... format).
func Decrypt(ciphertext []byte, identityKey string) ([]byte, error) {
	identity, err := age.ParseX25519Identity(identityKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse identity key: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt proof payload: %w", err)
	}

	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read decrypted payload: %w", err)
	}

	return plaintext, nil
}

// Hash returns the 0x-prefixed keccak-256 digest of data. The hash of
// the sealed payload is what goes on-chain, so anyone can check an
// attestation against a proof without decrypting it.
func Hash(data []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// ParseSigningKey derives an ed25519 private key from its hex seed.
func ParseSigningKey(seedHex string) (ed25519.PrivateKey, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signing key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}

	return ed25519.NewKeyFromSeed(seed), nil
}

// Sign returns the hex signature of data under the researcher key.
func Sign(key ed25519.PrivateKey, data []byte) string {
	return hex.EncodeToString(ed25519.Sign(key, data))
}

// Verify checks a hex signature against the researcher public key.
func Verify(pub ed25519.PublicKey, data []byte, signatureHex string) error {
	signature, err := hex.DecodeString(signatureHex)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", err)
	}
	if !ed25519.Verify(pub, data, signature) {
		return fmt.Errorf("signature does not match payload")
	}

	return nil
}
