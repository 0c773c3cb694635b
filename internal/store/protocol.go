package store

import (
	"context"
	"errors"

	"github.com/chainproof/chainproof/internal/store/model"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Protocol interface {
	List(ctx context.Context, filter *ProtocolQueryFilter, opts *ProtocolQueryOptions) (model.ProtocolList, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Protocol, error)
	Create(ctx context.Context, protocol model.Protocol) (*model.Protocol, error)
	Update(ctx context.Context, protocol model.Protocol) (*model.Protocol, error)
	InitialMigration(context.Context) error
}

type ProtocolStore struct {
	db *gorm.DB
}

func NewProtocolStore(db *gorm.DB) Protocol {
	return &ProtocolStore{db: db}
}

func (p *ProtocolStore) InitialMigration(ctx context.Context) error {
	return p.getDB(ctx).AutoMigrate(&model.Protocol{})
}

// List lists registered protocols.
func (p *ProtocolStore) List(ctx context.Context, filter *ProtocolQueryFilter, opts *ProtocolQueryOptions) (model.ProtocolList, error) {
	var protocols model.ProtocolList
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

	if err := tx.Model(&protocols).Find(&protocols).Error; err != nil {
		return nil, err
	}

	return protocols, nil
}

// Create creates a protocol.
func (p *ProtocolStore) Create(ctx context.Context, protocol model.Protocol) (*model.Protocol, error) {
	if err := p.getDB(ctx).WithContext(ctx).Create(&protocol).Error; err != nil {
		return nil, err
	}

	return &protocol, nil
}

// Update updates a protocol.
func (p *ProtocolStore) Update(ctx context.Context, protocol model.Protocol) (*model.Protocol, error) {
	if err := p.getDB(ctx).WithContext(ctx).First(&model.Protocol{ID: protocol.ID}).Error; err != nil {
		return nil, err
	}

	if tx := p.getDB(ctx).WithContext(ctx).Clauses(clause.Returning{}).Updates(&protocol); tx.Error != nil {
		return nil, tx.Error
	}

	return &protocol, nil
}

// Get returns a protocol based on its id.
func (p *ProtocolStore) Get(ctx context.Context, id uuid.UUID) (*model.Protocol, error) {
	protocol := &model.Protocol{ID: id}

	if err := p.getDB(ctx).WithContext(ctx).First(&protocol).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}

	return protocol, nil
}

func (p *ProtocolStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return p.db
}
