package jobs_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	api "github.com/chainproof/chainproof/api/v1alpha1"
	"github.com/chainproof/chainproof/internal/events"
	"github.com/chainproof/chainproof/internal/pipeline"
	"github.com/chainproof/chainproof/internal/store"
	"github.com/chainproof/chainproof/internal/store/model"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "jobs.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	s := store.NewStore(db)
	ctx := context.Background()
	require.NoError(t, s.Run().InitialMigration(ctx))
	require.NoError(t, s.Step().InitialMigration(ctx))
	require.NoError(t, s.Finding().InitialMigration(ctx))
	require.NoError(t, s.Proof().InitialMigration(ctx))
	require.NoError(t, s.Worker().InitialMigration(ctx))
	require.NoError(t, s.Protocol().InitialMigration(ctx))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedProtocol(t *testing.T, s store.Store) *model.Protocol {
	t.Helper()
	protocol, err := s.Protocol().Create(context.Background(), model.Protocol{
		ID:           uuid.New(),
		Name:         "vaultd",
		RepoURL:      "https://git.test/vaultd.git",
		CommitHash:   "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
		ContractPath: "contracts/Vault.sol",
		ContractName: "Vault",
	})
	require.NoError(t, err)
	return protocol
}

func seedQueuedRun(t *testing.T, s store.Store, kind string, subjectID uuid.UUID) *model.Run {
	t.Helper()
	run, err := s.Run().Create(context.Background(), model.Run{
		ID:        uuid.New(),
		Kind:      kind,
		Status:    string(api.RunStatusQueued),
		SubjectID: subjectID,
	})
	require.NoError(t, err)
	return run
}

func seedWorker(t *testing.T, s store.Store, name string, workerType string, status string) *model.Worker {
	t.Helper()
	worker, err := s.Worker().Create(context.Background(), model.Worker{
		ID:     uuid.New(),
		Name:   name,
		Type:   workerType,
		Status: status,
	})
	require.NoError(t, err)
	return worker
}

// captureEmitter records run events for assertions; the other event
// kinds are not produced by the queue layer.
type captureEmitter struct {
	mu   sync.Mutex
	runs []events.RunEvent
}

func (c *captureEmitter) RunEvent(_ context.Context, e events.RunEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs = append(c.runs, e)
}

func (c *captureEmitter) StepEvent(context.Context, events.StepEvent)       {}
func (c *captureEmitter) FindingEvent(context.Context, events.FindingEvent) {}
func (c *captureEmitter) ProofEvent(context.Context, events.ProofEvent)     {}
func (c *captureEmitter) Log(context.Context, events.LogEvent)              {}

func (c *captureEmitter) runEvents() []events.RunEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.RunEvent{}, c.runs...)
}

type fakeInserter struct {
	err      error
	inserted []river.JobArgs
}

func (f *fakeInserter) Insert(_ context.Context, args river.JobArgs, _ *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inserted = append(f.inserted, args)
	return &rivertype.JobInsertResult{Job: &rivertype.JobRow{ID: int64(len(f.inserted))}}, nil
}

type fakeScanRunner struct {
	result    *pipeline.Result
	err       error
	runs      []*model.Run
	protocols []*model.Protocol
}

func (f *fakeScanRunner) Run(_ context.Context, run *model.Run, protocol *model.Protocol) (*pipeline.Result, error) {
	f.runs = append(f.runs, run)
	f.protocols = append(f.protocols, protocol)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeValidationRunner struct {
	result *pipeline.Result
	err    error
	runs   []*model.Run
}

func (f *fakeValidationRunner) Run(_ context.Context, run *model.Run) (*pipeline.Result, error) {
	f.runs = append(f.runs, run)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}
