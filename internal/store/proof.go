package store

import (
	"context"
	"errors"

	"github.com/chainproof/chainproof/internal/store/model"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Proof interface {
	List(ctx context.Context, filter *ProofQueryFilter, opts *ProofQueryOptions) (model.ProofList, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Proof, error)
	GetByFinding(ctx context.Context, findingID uuid.UUID) (*model.Proof, error)
	Create(ctx context.Context, proof model.Proof) (*model.Proof, error)
	Update(ctx context.Context, proof model.Proof) (*model.Proof, error)
	InitialMigration(context.Context) error
}

type ProofStore struct {
	db *gorm.DB
}

func NewProofStore(db *gorm.DB) Proof {
	return &ProofStore{db: db}
}

func (p *ProofStore) InitialMigration(ctx context.Context) error {
	return p.getDB(ctx).AutoMigrate(&model.Proof{})
}

// List lists proofs matching the filter.
func (p *ProofStore) List(ctx context.Context, filter *ProofQueryFilter, opts *ProofQueryOptions) (model.ProofList, error) {
	var proofs model.ProofList
	tx := p.getDB(ctx)

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

	if err := tx.Model(&proofs).Find(&proofs).Error; err != nil {
		return nil, err
	}

	return proofs, nil
}

// Create creates a proof.
func (p *ProofStore) Create(ctx context.Context, proof model.Proof) (*model.Proof, error) {
	if err := p.getDB(ctx).WithContext(ctx).Create(&proof).Error; err != nil {
		return nil, err
	}

	return &proof, nil
}

// Update updates a proof.
func (p *ProofStore) Update(ctx context.Context, proof model.Proof) (*model.Proof, error) {
	if err := p.getDB(ctx).WithContext(ctx).First(&model.Proof{ID: proof.ID}).Error; err != nil {
		return nil, err
	}

	if tx := p.getDB(ctx).WithContext(ctx).Clauses(clause.Returning{}).Updates(&proof); tx.Error != nil {
		return nil, tx.Error
	}

	return &proof, nil
}

// Get returns a proof based on its id.
func (p *ProofStore) Get(ctx context.Context, id uuid.UUID) (*model.Proof, error) {
	proof := &model.Proof{ID: id}

	if err := p.getDB(ctx).WithContext(ctx).First(&proof).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}

	return proof, nil
}

// GetByFinding returns the proof tied to a finding.
func (p *ProofStore) GetByFinding(ctx context.Context, findingID uuid.UUID) (*model.Proof, error) {
	var proof model.Proof

	if err := p.getDB(ctx).WithContext(ctx).Where("finding_id = ?", findingID).First(&proof).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}

	return &proof, nil
}

func (p *ProofStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return p.db
}
