// Package pipeline implements the scan and validation run state
// machines: ordered steps with per-step timeouts and failure policies,
// durable step records, progress events and guaranteed release of the
// resources a run acquires.
package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	api "github.com/chainproof/chainproof/api/v1alpha1"
	"github.com/chainproof/chainproof/internal/events"
	"github.com/chainproof/chainproof/internal/store"
	"github.com/chainproof/chainproof/internal/store/model"
	"github.com/chainproof/chainproof/pkg/metrics"
)

// Policy decides how a step failure propagates.
type Policy int

const (
	// Hard failures abort the run.
	Hard Policy = iota
	// Soft failures are recorded and swallowed, the run continues.
	Soft
)

// StepOutput is what a step action hands back for its durable record.
// Metadata lands on the step row and in the progress event.
type StepOutput struct {
	Metadata map[string]any
}

// Step declares one pipeline phase. Percent is the pipeline's overall
// position once the step finishes. Actions must honor ctx: the
// executor enforces Timeout through the deadline, it cannot preempt
// an action that ignores cancellation.
type Step struct {
	Name    string
	Policy  Policy
	Timeout time.Duration
	Code    ErrorCode
	Percent int
	Action  func(ctx context.Context) (StepOutput, error)
}

// StepOutcome reports how a step finished. Failed is only ever true
// for soft steps: a hard failure surfaces as a StepError instead.
type StepOutcome struct {
	Output StepOutput
	Failed bool
	Code   ErrorCode
}

// Executor persists step transitions, applies failure policies and
// emits progress events. Both pipelines drive their steps through it.
type Executor struct {
	store   store.Store
	emitter Emitter
	log     *zap.SugaredLogger
}

func NewExecutor(s store.Store, emitter Emitter) *Executor {
	return &Executor{
		store:   s,
		emitter: emitter,
		log:     zap.S().Named("pipeline"),
	}
}

// sequence numbers the steps of one run in declaration order.
type sequence struct {
	executor *Executor
	run      *model.Run
	seq      int
}

func (e *Executor) sequenceFor(run *model.Run) *sequence {
	return &sequence{executor: e, run: run}
}

func (s *sequence) Run(ctx context.Context, step Step) (StepOutcome, error) {
	s.seq++
	return s.executor.RunStep(ctx, s.run, s.seq, step)
}

// RunStep executes one step against a claimed run: persist STARTED,
// invoke the action under its deadline, finalize the record and emit
// the progress event. Hard failures come back as a StepError, soft
// failures as a failed outcome with a nil error.
func (e *Executor) RunStep(ctx context.Context, run *model.Run, seq int, step Step) (StepOutcome, error) {
	record, err := e.store.Step().Create(ctx, model.Step{
		RunID:     run.ID,
		Seq:       seq,
		Name:      step.Name,
		Status:    string(api.StepStatusStarted),
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		// A run whose progress cannot be recorded must not keep going.
		return StepOutcome{}, &StepError{Step: step.Name, Code: step.Code, Err: err}
	}

	e.emitter.Log(ctx, events.LogEvent{
		RunID:     run.ID.String(),
		SubjectID: run.SubjectID.String(),
		Level:     "info",
		Message:   "starting step " + step.Name,
	})

	stepCtx := ctx
	cancel := func() {}
	if step.Timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
	}
	started := time.Now()
	out, actionErr := step.Action(stepCtx)
	duration := time.Since(started)
	cancel()

	if actionErr != nil {
		code := step.Code
		if errors.Is(actionErr, context.DeadlineExceeded) {
			code = CodeTimeout
		}
		e.finishStep(ctx, record, out, string(api.StepStatusFailed), code, actionErr.Error())
		metrics.IncreaseStepFailuresTotalMetric(step.Name, string(code))
		e.emitter.StepEvent(ctx, events.StepEvent{
			RunID:      run.ID.String(),
			SubjectID:  run.SubjectID.String(),
			Seq:        seq,
			Name:       step.Name,
			Status:     string(api.StepStatusFailed),
			Percent:    step.Percent,
			Message:    actionErr.Error(),
			ErrorCode:  string(code),
			DurationMS: duration.Milliseconds(),
		})

		if step.Policy == Hard {
			return StepOutcome{}, &StepError{Step: step.Name, Code: code, Err: actionErr}
		}
		e.log.Warnw("soft step failed, run continues",
			"run_id", run.ID, "step", step.Name, "error_code", code, "error", actionErr)
		return StepOutcome{Output: out, Failed: true, Code: code}, nil
	}

	e.finishStep(ctx, record, out, string(api.StepStatusCompleted), "", "")
	metrics.ObserveStepDurationMetric(run.Kind, step.Name, duration.Seconds())
	e.emitter.StepEvent(ctx, events.StepEvent{
		RunID:      run.ID.String(),
		SubjectID:  run.SubjectID.String(),
		Seq:        seq,
		Name:       step.Name,
		Status:     string(api.StepStatusCompleted),
		Percent:    step.Percent,
		Message:    "completed " + step.Name,
		DurationMS: duration.Milliseconds(),
	})
	return StepOutcome{Output: out}, nil
}

func (e *Executor) finishStep(ctx context.Context, record *model.Step, out StepOutput, status string, code ErrorCode, message string) {
	now := time.Now().UTC()
	update := model.Step{
		ID:           record.ID,
		Status:       status,
		ErrorCode:    string(code),
		ErrorMessage: message,
		FinishedAt:   &now,
	}
	if out.Metadata != nil {
		update.Metadata = model.MakeJSONField(out.Metadata)
	}
	if _, err := e.store.Step().Update(ctx, update); err != nil {
		e.log.Errorw("failed to finalize step record",
			"run_id", record.RunID, "step", record.Name, "error", err)
	}
}
