package store

import (
	"context"
	"errors"

	"github.com/chainproof/chainproof/internal/store/model"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Finding interface {
	List(ctx context.Context, filter *FindingQueryFilter, opts *FindingQueryOptions) (model.FindingList, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Finding, error)
	Create(ctx context.Context, finding model.Finding) (*model.Finding, error)
	Update(ctx context.Context, finding model.Finding) (*model.Finding, error)
	InitialMigration(context.Context) error
}

type FindingStore struct {
	db *gorm.DB
}

func NewFindingStore(db *gorm.DB) Finding {
	return &FindingStore{db: db}
}

func (f *FindingStore) InitialMigration(ctx context.Context) error {
	return f.getDB(ctx).AutoMigrate(&model.Finding{})
}

// List lists findings matching the filter.
func (f *FindingStore) List(ctx context.Context, filter *FindingQueryFilter, opts *FindingQueryOptions) (model.FindingList, error) {
	var findings model.FindingList
	tx := f.getDB(ctx)

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

	if err := tx.Model(&findings).Find(&findings).Error; err != nil {
		return nil, err
	}

	return findings, nil
}

// Create creates a finding.
func (f *FindingStore) Create(ctx context.Context, finding model.Finding) (*model.Finding, error) {
	if err := f.getDB(ctx).WithContext(ctx).Create(&finding).Error; err != nil {
		return nil, err
	}

	return &finding, nil
}

// Update updates a finding.
func (f *FindingStore) Update(ctx context.Context, finding model.Finding) (*model.Finding, error) {
	if err := f.getDB(ctx).WithContext(ctx).First(&model.Finding{ID: finding.ID}).Error; err != nil {
		return nil, err
	}

	if tx := f.getDB(ctx).WithContext(ctx).Clauses(clause.Returning{}).Updates(&finding); tx.Error != nil {
		return nil, tx.Error
	}

	return &finding, nil
}

// Get returns a finding based on its id.
func (f *FindingStore) Get(ctx context.Context, id uuid.UUID) (*model.Finding, error) {
	finding := &model.Finding{ID: id}

	if err := f.getDB(ctx).WithContext(ctx).First(&finding).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}

	return finding, nil
}

func (f *FindingStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return f.db
}
