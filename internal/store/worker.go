package store

import (
	"context"
	"errors"

	"github.com/chainproof/chainproof/internal/store/model"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Worker interface {
	List(ctx context.Context, filter *WorkerQueryFilter, opts *WorkerQueryOptions) (model.WorkerList, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Worker, error)
	Create(ctx context.Context, worker model.Worker) (*model.Worker, error)
	Update(ctx context.Context, worker model.Worker) (*model.Worker, error)
	ClearCurrentRun(ctx context.Context, id uuid.UUID, status string, completed bool) error
	InitialMigration(context.Context) error
}

type WorkerStore struct {
	db *gorm.DB
}

func NewWorkerStore(db *gorm.DB) Worker {
	return &WorkerStore{db: db}
}

func (w *WorkerStore) InitialMigration(ctx context.Context) error {
	return w.getDB(ctx).AutoMigrate(&model.Worker{})
}

// List lists all the workers.
func (w *WorkerStore) List(ctx context.Context, filter *WorkerQueryFilter, opts *WorkerQueryOptions) (model.WorkerList, error) {
	var workers model.WorkerList
	tx := w.getDB(ctx)

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

	if err := tx.Model(&workers).Find(&workers).Error; err != nil {
		return nil, err
	}

	return workers, nil
}

// Create creates a worker.
func (w *WorkerStore) Create(ctx context.Context, worker model.Worker) (*model.Worker, error) {
	if err := w.getDB(ctx).WithContext(ctx).Create(&worker).Error; err != nil {
		return nil, err
	}

	return &worker, nil
}

// Update updates a worker.
//
// Updates with a struct skips zero fields, so clearing CurrentRunID
// goes through ClearCurrentRun instead.
func (w *WorkerStore) Update(ctx context.Context, worker model.Worker) (*model.Worker, error) {
	if err := w.getDB(ctx).WithContext(ctx).First(&model.Worker{ID: worker.ID}).Error; err != nil {
		return nil, err
	}

	if tx := w.getDB(ctx).WithContext(ctx).Clauses(clause.Returning{}).Updates(&worker); tx.Error != nil {
		return nil, tx.Error
	}

	return &worker, nil
}

// ClearCurrentRun releases the worker's claimed run and moves it back
// to the given status, bumping the completed counter when asked.
func (w *WorkerStore) ClearCurrentRun(ctx context.Context, id uuid.UUID, status string, completed bool) error {
	updates := map[string]interface{}{
		"current_run_id": nil,
		"status":         status,
	}
	if completed {
		updates["completed_count"] = gorm.Expr("completed_count + 1")
	}

	return w.getDB(ctx).WithContext(ctx).
		Model(&model.Worker{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// Get returns a worker based on its id.
func (w *WorkerStore) Get(ctx context.Context, id uuid.UUID) (*model.Worker, error) {
	worker := &model.Worker{ID: id}

	if err := w.getDB(ctx).WithContext(ctx).Unscoped().First(&worker).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}

	return worker, nil
}

func (w *WorkerStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return w.db
}
