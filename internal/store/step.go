package store

import (
	"context"
	"errors"

	"github.com/chainproof/chainproof/internal/store/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Step interface {
	List(ctx context.Context, filter *StepQueryFilter, opts *StepQueryOptions) (model.StepList, error)
	Get(ctx context.Context, id uint) (*model.Step, error)
	Create(ctx context.Context, step model.Step) (*model.Step, error)
	Update(ctx context.Context, step model.Step) (*model.Step, error)
	InitialMigration(context.Context) error
}

type StepStore struct {
	db *gorm.DB
}

func NewStepStore(db *gorm.DB) Step {
	return &StepStore{db: db}
}

func (s *StepStore) InitialMigration(ctx context.Context) error {
	return s.getDB(ctx).AutoMigrate(&model.Step{})
}

// List lists step records matching the filter.
func (s *StepStore) List(ctx context.Context, filter *StepQueryFilter, opts *StepQueryOptions) (model.StepList, error) {
	var steps model.StepList
	tx := s.getDB(ctx)

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

	if err := tx.Model(&steps).Find(&steps).Error; err != nil {
		return nil, err
	}

	return steps, nil
}

// Create creates a step record.
func (s *StepStore) Create(ctx context.Context, step model.Step) (*model.Step, error) {
	if err := s.getDB(ctx).WithContext(ctx).Create(&step).Error; err != nil {
		return nil, err
	}

	return &step, nil
}

// Update updates a step record.
func (s *StepStore) Update(ctx context.Context, step model.Step) (*model.Step, error) {
	if err := s.getDB(ctx).WithContext(ctx).First(&model.Step{ID: step.ID}).Error; err != nil {
		return nil, err
	}

	if tx := s.getDB(ctx).WithContext(ctx).Clauses(clause.Returning{}).Updates(&step); tx.Error != nil {
		return nil, tx.Error
	}

	return &step, nil
}

// Get returns a step record based on its id.
func (s *StepStore) Get(ctx context.Context, id uint) (*model.Step, error) {
	step := &model.Step{ID: id}

	if err := s.getDB(ctx).WithContext(ctx).First(&step).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}

	return step, nil
}

func (s *StepStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db
}
