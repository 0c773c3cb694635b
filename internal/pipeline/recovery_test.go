package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	api "github.com/chainproof/chainproof/api/v1alpha1"
	"github.com/chainproof/chainproof/internal/pipeline"
	"github.com/chainproof/chainproof/internal/store"
	"github.com/chainproof/chainproof/internal/store/model"
)

func seedBusyWorker(t *testing.T, s store.Store, runID uuid.UUID) *model.Worker {
	t.Helper()
	worker, err := s.Worker().Create(context.Background(), model.Worker{
		ID:             uuid.New(),
		Name:           "researcher-01",
		Type:           string(api.WorkerTypeResearcher),
		Status:         string(api.WorkerStatusBusy),
		CurrentRunID:   &runID,
		CompletedCount: 3,
	})
	require.NoError(t, err)
	return worker
}

func seedStep(t *testing.T, s store.Store, runID uuid.UUID, seq int, name, status string) *model.Step {
	t.Helper()
	step, err := s.Step().Create(context.Background(), model.Step{
		RunID:     runID,
		Seq:       seq,
		Name:      name,
		Status:    status,
		StartedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return step
}

func TestRecoverFailsOverOrphanedRun(t *testing.T) {
	s := newTestStore(t)
	emitter := &captureEmitter{}
	ctx := context.Background()
	protocol := seedProtocol(t, s)

	orphanID := uuid.New()
	worker := seedBusyWorker(t, s, orphanID)
	orphan, err := s.Run().Create(ctx, model.Run{
		ID:        orphanID,
		Kind:      string(api.RunKindScan),
		Status:    string(api.RunStatusRunning),
		SubjectID: protocol.ID,
		WorkerID:  &worker.ID,
	})
	require.NoError(t, err)

	seedStep(t, s, orphan.ID, 1, pipeline.StepClone, string(api.StepStatusCompleted))
	seedStep(t, s, orphan.ID, 2, pipeline.StepCompile, string(api.StepStatusStarted))
	seedStep(t, s, orphan.ID, 3, pipeline.StepDeploy, string(api.StepStatusStarted))

	queued, err := s.Run().Create(ctx, model.Run{
		ID:        uuid.New(),
		Kind:      string(api.RunKindScan),
		Status:    string(api.RunStatusQueued),
		SubjectID: protocol.ID,
	})
	require.NoError(t, err)

	recovered, err := pipeline.NewRecoveryScanner(s, emitter).Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	failed, err := s.Run().Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, string(api.RunStatusFailed), failed.Status)
	assert.Equal(t, string(pipeline.CodeWorkerRestart), failed.ErrorCode)
	assert.Contains(t, failed.ErrorMessage, "resubmit to retry")
	assert.NotNil(t, failed.FinishedAt)

	steps := loadSteps(t, s, orphan.ID)
	require.Len(t, steps, 3)
	assert.Equal(t, string(api.StepStatusCompleted), steps[0].Status)
	assert.Empty(t, steps[0].ErrorCode)
	for _, step := range steps[1:] {
		assert.Equal(t, string(api.StepStatusFailed), step.Status, "step %s", step.Name)
		assert.Equal(t, string(pipeline.CodeWorkerRestart), step.ErrorCode, "step %s", step.Name)
		assert.Equal(t, "interrupted by agent restart", step.ErrorMessage, "step %s", step.Name)
		assert.NotNil(t, step.FinishedAt, "step %s", step.Name)
	}

	// The worker goes back in rotation without credit for the run.
	released, err := s.Worker().Get(ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, string(api.WorkerStatusOnline), released.Status)
	assert.Nil(t, released.CurrentRunID)
	assert.Equal(t, 3, released.CompletedCount)

	untouched, err := s.Run().Get(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, string(api.RunStatusQueued), untouched.Status)

	require.Len(t, emitter.runs, 1)
	assert.Equal(t, orphan.ID.String(), emitter.runs[0].RunID)
	assert.Equal(t, string(api.RunStatusFailed), emitter.runs[0].Status)
	assert.Equal(t, string(pipeline.CodeWorkerRestart), emitter.runs[0].ErrorCode)
	assert.Equal(t, worker.ID.String(), emitter.runs[0].WorkerID)
}

func TestRecoverIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	emitter := &captureEmitter{}
	ctx := context.Background()
	protocol := seedProtocol(t, s)

	_, err := s.Run().Create(ctx, model.Run{
		ID:        uuid.New(),
		Kind:      string(api.RunKindScan),
		Status:    string(api.RunStatusRunning),
		SubjectID: protocol.ID,
	})
	require.NoError(t, err)

	scanner := pipeline.NewRecoveryScanner(s, emitter)
	recovered, err := scanner.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	recovered, err = scanner.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)
}

func TestRecoverLeavesReassignedWorkerAlone(t *testing.T) {
	s := newTestStore(t)
	emitter := &captureEmitter{}
	ctx := context.Background()
	protocol := seedProtocol(t, s)

	// The worker already moved on to another run; only the orphaned
	// run's own claim may be released.
	otherRunID := uuid.New()
	worker := seedBusyWorker(t, s, otherRunID)
	orphan, err := s.Run().Create(ctx, model.Run{
		ID:        uuid.New(),
		Kind:      string(api.RunKindScan),
		Status:    string(api.RunStatusRunning),
		SubjectID: protocol.ID,
		WorkerID:  &worker.ID,
	})
	require.NoError(t, err)

	recovered, err := pipeline.NewRecoveryScanner(s, emitter).Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	failed, err := s.Run().Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, string(api.RunStatusFailed), failed.Status)

	busy, err := s.Worker().Get(ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, string(api.WorkerStatusBusy), busy.Status)
	require.NotNil(t, busy.CurrentRunID)
	assert.Equal(t, otherRunID, *busy.CurrentRunID)
}

func TestRecoverSurvivesMissingWorker(t *testing.T) {
	s := newTestStore(t)
	emitter := &captureEmitter{}
	ctx := context.Background()
	protocol := seedProtocol(t, s)

	goneWorkerID := uuid.New()
	orphan, err := s.Run().Create(ctx, model.Run{
		ID:        uuid.New(),
		Kind:      string(api.RunKindValidation),
		Status:    string(api.RunStatusRunning),
		SubjectID: protocol.ID,
		WorkerID:  &goneWorkerID,
	})
	require.NoError(t, err)

	recovered, err := pipeline.NewRecoveryScanner(s, emitter).Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	failed, err := s.Run().Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, string(api.RunStatusFailed), failed.Status)
}
