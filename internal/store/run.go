package store

import (
	"context"
	"errors"
	"time"

	api "github.com/chainproof/chainproof/api/v1alpha1"
	"github.com/chainproof/chainproof/internal/store/model"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SortOrder int

const (
	Unsorted SortOrder = iota
	SortByID
	SortByUpdatedTime
	SortByCreatedTime
)

type Run interface {
	List(ctx context.Context, filter *RunQueryFilter, opts *RunQueryOptions) (model.RunList, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Run, error)
	Create(ctx context.Context, run model.Run) (*model.Run, error)
	Update(ctx context.Context, run model.Run) (*model.Run, error)
	Claim(ctx context.Context, id uuid.UUID, workerID uuid.UUID) (*model.Run, error)
	InitialMigration(context.Context) error
}

type RunStore struct {
	db *gorm.DB
}

func NewRunStore(db *gorm.DB) Run {
	return &RunStore{db: db}
}

func (r *RunStore) InitialMigration(ctx context.Context) error {
	return r.getDB(ctx).AutoMigrate(&model.Run{})
}

// List lists runs matching the filter.
func (r *RunStore) List(ctx context.Context, filter *RunQueryFilter, opts *RunQueryOptions) (model.RunList, error) {
	var runs model.RunList
	tx := r.getDB(ctx)

	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}

	if opts != nil {
		for _, fn := range opts.QueryFn {
			tx = fn(tx)
		}
	}

	if err := tx.Model(&runs).Find(&runs).Error; err != nil {
		return nil, err
	}

	return runs, nil
}

// Create creates a run.
func (r *RunStore) Create(ctx context.Context, run model.Run) (*model.Run, error) {
	if err := r.getDB(ctx).WithContext(ctx).Create(&run).Error; err != nil {
		return nil, err
	}

	return &run, nil
}

// terminalRunStatuses are the statuses a run never leaves.
var terminalRunStatuses = []string{
	string(api.RunStatusSucceeded),
	string(api.RunStatusFailed),
	string(api.RunStatusCanceled),
}

// Update updates a run. A status write against a row that already
// reached a terminal status fails with ErrRunFinalized: a finished run
// keeps its outcome.
func (r *RunStore) Update(ctx context.Context, run model.Run) (*model.Run, error) {
	tx := r.getDB(ctx).WithContext(ctx).Clauses(clause.Returning{})
	if run.Status != "" {
		tx = tx.Where("status NOT IN ?", terminalRunStatuses)
	}

	if tx = tx.Updates(&run); tx.Error != nil {
		return nil, tx.Error
	}

	if tx.RowsAffected == 0 {
		if _, err := r.Get(ctx, run.ID); err != nil {
			return nil, err
		}
		return nil, ErrRunFinalized
	}

	return &run, nil
}

// Claim moves a queued run to RUNNING and assigns it to the worker.
// The state check and assignment are one statement, so two dispatchers
// racing on the same run see exactly one winner.
func (r *RunStore) Claim(ctx context.Context, id uuid.UUID, workerID uuid.UUID) (*model.Run, error) {
	now := time.Now().UTC()

	tx := r.getDB(ctx).WithContext(ctx).
		Model(&model.Run{}).
		Clauses(clause.Returning{}).
		Where("id = ?", id).
		Where("status = ?", string(api.RunStatusQueued)).
		Updates(map[string]interface{}{
			"status":     string(api.RunStatusRunning),
			"worker_id":  workerID,
			"started_at": now,
		})
	if tx.Error != nil {
		return nil, tx.Error
	}

	if tx.RowsAffected == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrConcurrentUpdate
	}

	return r.Get(ctx, id)
}

// Get returns a run based on its id.
func (r *RunStore) Get(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	run := &model.Run{ID: id}

	if err := r.getDB(ctx).WithContext(ctx).Unscoped().First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}

	return run, nil
}

func (r *RunStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return r.db
}
