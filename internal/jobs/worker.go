package jobs

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	api "github.com/chainproof/chainproof/api/v1alpha1"
	"github.com/chainproof/chainproof/internal/events"
	"github.com/chainproof/chainproof/internal/pipeline"
	"github.com/chainproof/chainproof/internal/store"
	"github.com/chainproof/chainproof/internal/store/model"
	"github.com/chainproof/chainproof/pkg/metrics"
)

// ScanRunner executes a claimed scan run.
type ScanRunner interface {
	Run(ctx context.Context, run *model.Run, protocol *model.Protocol) (*pipeline.Result, error)
}

// ValidationRunner executes a claimed validation run.
type ValidationRunner interface {
	Run(ctx context.Context, run *model.Run) (*pipeline.Result, error)
}

// lifecycle is the run and worker bookkeeping shared by both queue
// workers: claim on the way in, release and finalize on the way out.
type lifecycle struct {
	store   store.Store
	emitter pipeline.Emitter
	log     *zap.SugaredLogger
}

// begin claims the run for an eligible worker registration. The errors
// it returns are river-ready: transient store failures surface as-is
// for retry, everything that cannot succeed on a later attempt comes
// back wrapped in river.JobCancel.
func (l *lifecycle) begin(ctx context.Context, runID uuid.UUID, workerType string) (*model.Run, *model.Worker, error) {
	run, err := l.store.Run().Get(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, nil, river.JobCancel(errors.Wrapf(err, "run %s", runID))
		}
		return nil, nil, err
	}
	if run.Status != string(api.RunStatusQueued) {
		l.log.Infow("run already left the queue", "run_id", run.ID, "status", run.Status)
		return nil, nil, river.JobCancel(errors.Errorf("run %s is %s, not claimable", run.ID, run.Status))
	}

	worker, err := l.pickWorker(ctx, workerType)
	if err != nil {
		return nil, nil, err
	}
	if worker == nil {
		message := "no " + strings.ToLower(workerType) + " agent registered and available"
		l.cancelRun(ctx, run, pipeline.CodeNoAvailableWorker, message)
		return nil, nil, river.JobCancel(errors.New(message))
	}

	claimed, err := l.store.Run().Claim(ctx, run.ID, worker.ID)
	if err != nil {
		if errors.Is(err, store.ErrConcurrentUpdate) {
			return nil, nil, river.JobCancel(errors.Wrapf(err, "run %s claimed elsewhere", run.ID))
		}
		return nil, nil, err
	}

	if _, err := l.store.Worker().Update(ctx, model.Worker{
		ID:           worker.ID,
		Status:       string(api.WorkerStatusBusy),
		CurrentRunID: &claimed.ID,
	}); err != nil {
		l.log.Warnw("failed to mark worker busy", "worker_id", worker.ID, "run_id", claimed.ID, "error", err)
	}

	l.emitter.RunEvent(ctx, events.RunEvent{
		RunID:     claimed.ID.String(),
		Kind:      claimed.Kind,
		Status:    claimed.Status,
		SubjectID: claimed.SubjectID.String(),
		WorkerID:  worker.ID.String(),
	})
	l.log.Infow("run claimed", "run_id", claimed.ID, "kind", claimed.Kind, "worker_id", worker.ID)
	return claimed, worker, nil
}

// pickWorker selects a registration of the wanted type. ONLINE wins;
// BUSY is acceptable because the queue's MaxWorkers, not the
// registration, bounds concurrency. OFFLINE and ERROR never qualify.
func (l *lifecycle) pickWorker(ctx context.Context, workerType string) (*model.Worker, error) {
	workers, err := l.store.Worker().List(ctx,
		store.NewWorkerQueryFilter().ByType(workerType),
		store.NewWorkerQueryOptions())
	if err != nil {
		return nil, err
	}

	var busy *model.Worker
	for i := range workers {
		switch api.StringToWorkerStatus(workers[i].Status) {
		case api.WorkerStatusOnline:
			return &workers[i], nil
		case api.WorkerStatusBusy:
			if busy == nil {
				busy = &workers[i]
			}
		}
	}
	return busy, nil
}

// cancelRun finalizes a run that never got to execute.
func (l *lifecycle) cancelRun(ctx context.Context, run *model.Run, code pipeline.ErrorCode, message string) {
	now := time.Now().UTC()
	if _, err := l.store.Run().Update(ctx, model.Run{
		ID:           run.ID,
		Status:       string(api.RunStatusCanceled),
		ErrorCode:    string(code),
		ErrorMessage: message,
		FinishedAt:   &now,
	}); err != nil {
		l.log.Errorw("failed to cancel run", "run_id", run.ID, "error", err)
		return
	}
	metrics.IncreaseRunsTotalMetric(run.Kind, string(api.RunStatusCanceled))
	l.emitter.RunEvent(ctx, events.RunEvent{
		RunID:        run.ID.String(),
		Kind:         run.Kind,
		Status:       string(api.RunStatusCanceled),
		SubjectID:    run.SubjectID.String(),
		ErrorCode:    string(code),
		ErrorMessage: message,
	})
}

// finish releases the worker and finalizes the run row. Bookkeeping
// must land even when the job context is already dead. The pipeline
// error is passed back for river's retry accounting.
func (l *lifecycle) finish(ctx context.Context, run *model.Run, worker *model.Worker, result *pipeline.Result, runErr error) error {
	ctx = context.WithoutCancel(ctx)

	if err := l.store.Worker().ClearCurrentRun(ctx, worker.ID, string(api.WorkerStatusOnline), runErr == nil); err != nil {
		l.log.Warnw("failed to release worker", "worker_id", worker.ID, "run_id", run.ID, "error", err)
	}

	now := time.Now().UTC()
	update := model.Run{ID: run.ID, FinishedAt: &now}
	event := events.RunEvent{
		RunID:     run.ID.String(),
		Kind:      run.Kind,
		SubjectID: run.SubjectID.String(),
		WorkerID:  worker.ID.String(),
	}
	if runErr != nil {
		update.Status = string(api.RunStatusFailed)
		update.ErrorCode = string(pipeline.CodeOf(runErr))
		update.ErrorMessage = runErr.Error()
		event.ErrorCode = update.ErrorCode
		event.ErrorMessage = update.ErrorMessage
	} else {
		update.Status = string(api.RunStatusSucceeded)
		update.FindingsCount = result.FindingsCount
		if len(result.Annotations) > 0 {
			update.Annotations = model.MakeJSONField(result.Annotations)
		}
		event.FindingsCount = result.FindingsCount
	}
	event.Status = update.Status

	if _, err := l.store.Run().Update(ctx, update); err != nil {
		l.log.Errorw("failed to finalize run", "run_id", run.ID, "status", update.Status, "error", err)
		if runErr == nil {
			return err
		}
	}

	metrics.IncreaseRunsTotalMetric(run.Kind, update.Status)
	l.emitter.RunEvent(ctx, event)
	l.log.Infow("run finished", "run_id", run.ID, "kind", run.Kind, "status", update.Status, "worker_id", worker.ID)
	return runErr
}

// ScanWorker drains the scans queue.
type ScanWorker struct {
	river.WorkerDefaults[ScanArgs]
	runs   lifecycle
	runner ScanRunner
}

func NewScanWorker(s store.Store, emitter pipeline.Emitter, runner ScanRunner) *ScanWorker {
	return &ScanWorker{
		runs:   lifecycle{store: s, emitter: emitter, log: zap.S().Named("jobs")},
		runner: runner,
	}
}

// Timeout disables river's per-job deadline; every pipeline step
// carries its own.
func (w *ScanWorker) Timeout(*river.Job[ScanArgs]) time.Duration { return -1 }

func (w *ScanWorker) Work(ctx context.Context, job *river.Job[ScanArgs]) error {
	run, worker, err := w.runs.begin(ctx, job.Args.RunID, string(api.WorkerTypeResearcher))
	if err != nil {
		return err
	}

	protocol, err := w.runs.store.Protocol().Get(ctx, job.Args.ProtocolID)
	if err != nil {
		return w.runs.finish(ctx, run, worker, nil, errors.Wrapf(err, "protocol %s", job.Args.ProtocolID))
	}

	result, runErr := w.runner.Run(ctx, run, protocol)
	return w.runs.finish(ctx, run, worker, result, runErr)
}

// ValidationWorker drains the validations queue.
type ValidationWorker struct {
	river.WorkerDefaults[ValidationArgs]
	runs   lifecycle
	runner ValidationRunner
}

func NewValidationWorker(s store.Store, emitter pipeline.Emitter, runner ValidationRunner) *ValidationWorker {
	return &ValidationWorker{
		runs:   lifecycle{store: s, emitter: emitter, log: zap.S().Named("jobs")},
		runner: runner,
	}
}

func (w *ValidationWorker) Timeout(*river.Job[ValidationArgs]) time.Duration { return -1 }

func (w *ValidationWorker) Work(ctx context.Context, job *river.Job[ValidationArgs]) error {
	run, worker, err := w.runs.begin(ctx, job.Args.RunID, string(api.WorkerTypeValidator))
	if err != nil {
		return err
	}

	result, runErr := w.runner.Run(ctx, run)
	return w.runs.finish(ctx, run, worker, result, runErr)
}
