package store

import (
	"context"

	"github.com/chainproof/chainproof/internal/store/model"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store interface {
	NewTransactionContext(ctx context.Context) (context.Context, error)
	Run() Run
	Step() Step
	Finding() Finding
	Proof() Proof
	Worker() Worker
	Protocol() Protocol
	RiverJob() RiverJob
	Seed() error
	Statistics(ctx context.Context) (model.Statistics, error)
	Close() error
}

type DataStore struct {
	run      Run
	db       *gorm.DB
	step     Step
	finding  Finding
	proof    Proof
	worker   Worker
	protocol Protocol
	riverJob RiverJob
}

func NewStore(db *gorm.DB) Store {
	return &DataStore{
		run:      NewRunStore(db),
		step:     NewStepStore(db),
		finding:  NewFindingStore(db),
		proof:    NewProofStore(db),
		worker:   NewWorkerStore(db),
		protocol: NewProtocolStore(db),
		riverJob: NewRiverJobStore(db),
		db:       db,
	}
}

func (s *DataStore) NewTransactionContext(ctx context.Context) (context.Context, error) {
	return newTransactionContext(ctx, s.db)
}

func (s *DataStore) Run() Run {
	return s.run
}

func (s *DataStore) Step() Step {
	return s.step
}

func (s *DataStore) Finding() Finding {
	return s.finding
}

func (s *DataStore) Proof() Proof {
	return s.proof
}

func (s *DataStore) Worker() Worker {
	return s.worker
}

func (s *DataStore) Protocol() Protocol {
	return s.protocol
}

func (s *DataStore) RiverJob() RiverJob {
	return s.riverJob
}

func (s *DataStore) Statistics(ctx context.Context) (model.Statistics, error) {
	runs, err := s.Run().List(ctx, NewRunQueryFilter(), NewRunQueryOptions())
	if err != nil {
		return model.Statistics{}, err
	}
	workers, err := s.Worker().List(ctx, NewWorkerQueryFilter(), NewWorkerQueryOptions())
	if err != nil {
		return model.Statistics{}, err
	}
	return model.NewStatistics(runs, workers), nil
}

func (s *DataStore) Seed() error {
	protocolUuid := uuid.UUID{}

	tx, err := newTransaction(s.db)
	if err != nil {
		return err
	}
	// Create/update default example protocol
	protocol := model.Protocol{
		ID:         protocolUuid,
		Name:       "Example",
		RepoURL:    "https://github.com/chainproof/example-vault",
		CommitHash: "0000000000000000000000000000000000000000",
	}

	if err := tx.tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"repo_url", "commit_hash"}),
	}).Create(&protocol).Error; err != nil {
		_ = tx.Rollback()
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	return nil
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
