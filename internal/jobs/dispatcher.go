// Package jobs feeds the scan and validation pipelines from durable
// river queues backed by Postgres.
package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"

	api "github.com/chainproof/chainproof/api/v1alpha1"
	"github.com/chainproof/chainproof/internal/pipeline"
	"github.com/chainproof/chainproof/internal/store"
	"github.com/chainproof/chainproof/internal/store/model"
)

// Inserter is the slice of the river client the dispatcher needs.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// Dispatcher creates run records and enqueues the jobs that execute
// them. The run row is written first so a crash between the two leaves
// a visible QUEUED run rather than an untracked job.
type Dispatcher struct {
	store store.Store
	queue Inserter
	log   *zap.SugaredLogger
}

func NewDispatcher(s store.Store, queue Inserter) *Dispatcher {
	return &Dispatcher{
		store: s,
		queue: queue,
		log:   zap.S().Named("dispatcher"),
	}
}

// EnqueueScan queues a scan run for the protocol and returns the run
// record.
func (d *Dispatcher) EnqueueScan(ctx context.Context, protocolID uuid.UUID) (*model.Run, error) {
	run, err := d.store.Run().Create(ctx, model.Run{
		ID:        uuid.New(),
		Kind:      string(api.RunKindScan),
		Status:    string(api.RunStatusQueued),
		SubjectID: protocolID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create scan run")
	}

	if _, err := d.queue.Insert(ctx, ScanArgs{RunID: run.ID, ProtocolID: protocolID}, nil); err != nil {
		d.abandonRun(ctx, run.ID)
		return nil, errors.Wrapf(err, "failed to enqueue scan for run %s", run.ID)
	}

	d.log.Infow("scan queued", "run_id", run.ID, "protocol_id", protocolID)
	return run, nil
}

// EnqueueValidation queues a validation run for the proof and returns
// the run record.
func (d *Dispatcher) EnqueueValidation(ctx context.Context, proofID uuid.UUID) (*model.Run, error) {
	run, err := d.store.Run().Create(ctx, model.Run{
		ID:        uuid.New(),
		Kind:      string(api.RunKindValidation),
		Status:    string(api.RunStatusQueued),
		SubjectID: proofID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create validation run")
	}

	if _, err := d.queue.Insert(ctx, ValidationArgs{RunID: run.ID, ProofID: proofID}, nil); err != nil {
		d.abandonRun(ctx, run.ID)
		return nil, errors.Wrapf(err, "failed to enqueue validation for run %s", run.ID)
	}

	d.log.Infow("validation queued", "run_id", run.ID, "proof_id", proofID)
	return run, nil
}

// SubmitProof satisfies pipeline.Submitter, so the scan pipeline's
// last step feeds the validation queue directly.
func (d *Dispatcher) SubmitProof(ctx context.Context, proofID uuid.UUID) (uuid.UUID, error) {
	run, err := d.EnqueueValidation(ctx, proofID)
	if err != nil {
		return uuid.Nil, err
	}
	return run.ID, nil
}

// abandonRun fails a run whose job never made it into the queue. A
// QUEUED row with no job behind it would wait forever.
func (d *Dispatcher) abandonRun(ctx context.Context, runID uuid.UUID) {
	now := time.Now().UTC()
	if _, err := d.store.Run().Update(context.WithoutCancel(ctx), model.Run{
		ID:           runID,
		Status:       string(api.RunStatusFailed),
		ErrorCode:    string(pipeline.CodeUnknown),
		ErrorMessage: "failed to enqueue job",
		FinishedAt:   &now,
	}); err != nil {
		d.log.Errorw("failed to abandon run", "run_id", runID, "error", err)
	}
}
