package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	api "github.com/chainproof/chainproof/api/v1alpha1"
	"github.com/chainproof/chainproof/internal/events"
	"github.com/chainproof/chainproof/internal/store"
	"github.com/chainproof/chainproof/internal/store/model"
	"github.com/chainproof/chainproof/pkg/metrics"
)

// RecoveryScanner fails over runs orphaned by a process crash. It
// runs at startup before the queue starts feeding work: in-memory
// step state is gone, so orphaned runs are failed for resubmission,
// never resumed.
type RecoveryScanner struct {
	store   store.Store
	emitter Emitter
	log     *zap.SugaredLogger
}

func NewRecoveryScanner(s store.Store, emitter Emitter) *RecoveryScanner {
	return &RecoveryScanner{
		store:   s,
		emitter: emitter,
		log:     zap.S().Named("recovery"),
	}
}

// Recover marks every RUNNING run FAILED with WORKER_RESTART,
// finalizes its dangling steps and releases the worker holding it.
// Idempotent: a second pass finds nothing. Returns the number of runs
// failed over.
func (r *RecoveryScanner) Recover(ctx context.Context) (int, error) {
	runs, err := r.store.Run().List(ctx,
		store.NewRunQueryFilter().ByStatus(string(api.RunStatusRunning)),
		store.NewRunQueryOptions())
	if err != nil {
		return 0, err
	}

	recovered := 0
	for i := range runs {
		if err := r.recoverRun(ctx, &runs[i]); err != nil {
			r.log.Errorw("failed to recover orphaned run", "run_id", runs[i].ID, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		r.log.Infow("failed over orphaned runs", "count", recovered)
	}
	return recovered, nil
}

func (r *RecoveryScanner) recoverRun(ctx context.Context, run *model.Run) error {
	now := time.Now().UTC()
	if _, err := r.store.Run().Update(ctx, model.Run{
		ID:           run.ID,
		Status:       string(api.RunStatusFailed),
		ErrorCode:    string(CodeWorkerRestart),
		ErrorMessage: "agent restarted while the run was in flight, resubmit to retry",
		FinishedAt:   &now,
	}); err != nil {
		return err
	}

	steps, err := r.store.Step().List(ctx,
		store.NewStepQueryFilter().ByRunID(run.ID).ByStatus(string(api.StepStatusStarted)),
		store.NewStepQueryOptions())
	if err != nil {
		return err
	}
	for i := range steps {
		if _, err := r.store.Step().Update(ctx, model.Step{
			ID:           steps[i].ID,
			Status:       string(api.StepStatusFailed),
			ErrorCode:    string(CodeWorkerRestart),
			ErrorMessage: "interrupted by agent restart",
			FinishedAt:   &now,
		}); err != nil {
			return err
		}
	}

	if run.WorkerID != nil {
		if err := r.releaseWorker(ctx, *run.WorkerID, run.ID); err != nil {
			r.log.Warnw("failed to release worker of orphaned run",
				"run_id", run.ID, "worker_id", *run.WorkerID, "error", err)
		}
	}

	metrics.IncreaseRunsTotalMetric(run.Kind, string(api.RunStatusFailed))
	r.emitter.RunEvent(ctx, events.RunEvent{
		RunID:        run.ID.String(),
		Kind:         run.Kind,
		Status:       string(api.RunStatusFailed),
		SubjectID:    run.SubjectID.String(),
		WorkerID:     workerIDString(run.WorkerID),
		ErrorCode:    string(CodeWorkerRestart),
		ErrorMessage: "agent restarted while the run was in flight",
	})
	return nil
}

// releaseWorker moves the worker back to ONLINE if it is still
// pointing at the orphaned run. The run did not complete, so the
// completed counter stays untouched.
func (r *RecoveryScanner) releaseWorker(ctx context.Context, workerID uuid.UUID, runID uuid.UUID) error {
	worker, err := r.store.Worker().Get(ctx, workerID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if worker.CurrentRunID == nil || *worker.CurrentRunID != runID {
		return nil
	}
	return r.store.Worker().ClearCurrentRun(ctx, workerID, string(api.WorkerStatusOnline), false)
}

func workerIDString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
