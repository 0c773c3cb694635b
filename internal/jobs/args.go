package jobs

import (
	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

// Queue names. Scans and validations are separate queues so a burst of
// one kind of work cannot starve the other.
const (
	ScanQueue       = "scans"
	ValidationQueue = "validations"
)

// MaxJobAttempts bounds river's retries. Retries only help transient
// failures: once a run reaches a terminal state, later attempts are
// canceled by the worker.
const MaxJobAttempts = 3

// ScanArgs asks for a scan run's pipeline to execute. Stored in
// river_job.args as JSON.
type ScanArgs struct {
	RunID      uuid.UUID `json:"run_id"`
	ProtocolID uuid.UUID `json:"protocol_id"`
}

func (ScanArgs) Kind() string { return "protocol_scan" }

func (ScanArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       ScanQueue,
		MaxAttempts: MaxJobAttempts,
	}
}

// ValidationArgs asks for a validation run's pipeline to execute.
type ValidationArgs struct {
	RunID   uuid.UUID `json:"run_id"`
	ProofID uuid.UUID `json:"proof_id"`
}

func (ValidationArgs) Kind() string { return "proof_validation" }

func (ValidationArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       ValidationQueue,
		MaxAttempts: MaxJobAttempts,
	}
}
