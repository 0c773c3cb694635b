package store

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type BaseQuerier struct {
	QueryFn []func(tx *gorm.DB) *gorm.DB
}

type RunQueryFilter BaseQuerier

func NewRunQueryFilter() *RunQueryFilter {
	return &RunQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (qf *RunQueryFilter) ByStatus(status string) *RunQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("status = ?", status)
	})
	return qf
}

func (qf *RunQueryFilter) ByKind(kind string) *RunQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("kind = ?", kind)
	})
	return qf
}

func (qf *RunQueryFilter) BySubjectID(subjectID uuid.UUID) *RunQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("subject_id = ?", subjectID)
	})
	return qf
}

func (qf *RunQueryFilter) ByWorkerID(workerID uuid.UUID) *RunQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("worker_id = ?", workerID)
	})
	return qf
}

type RunQueryOptions BaseQuerier

func NewRunQueryOptions() *RunQueryOptions {
	return &RunQueryOptions{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (o *RunQueryOptions) WithSortOrder(sort SortOrder) *RunQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		switch sort {
		case SortByID:
			return tx.Order("id")
		case SortByUpdatedTime:
			return tx.Order("updated_at")
		case SortByCreatedTime:
			return tx.Order("created_at")
		default:
			return tx
		}
	})
	return o
}

func (o *RunQueryOptions) WithLimit(limit int) *RunQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Limit(limit)
	})
	return o
}

type StepQueryFilter BaseQuerier

func NewStepQueryFilter() *StepQueryFilter {
	return &StepQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (qf *StepQueryFilter) ByRunID(runID uuid.UUID) *StepQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("run_id = ?", runID)
	})
	return qf
}

func (qf *StepQueryFilter) ByStatus(status string) *StepQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("status = ?", status)
	})
	return qf
}

type StepQueryOptions BaseQuerier

func NewStepQueryOptions() *StepQueryOptions {
	return &StepQueryOptions{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

// WithSeqOrder orders steps by their declaration order inside the run.
func (o *StepQueryOptions) WithSeqOrder() *StepQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Order("seq")
	})
	return o
}

type FindingQueryFilter BaseQuerier

func NewFindingQueryFilter() *FindingQueryFilter {
	return &FindingQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (qf *FindingQueryFilter) ByRunID(runID uuid.UUID) *FindingQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("run_id = ?", runID)
	})
	return qf
}

func (qf *FindingQueryFilter) ByProtocolID(protocolID uuid.UUID) *FindingQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("protocol_id = ?", protocolID)
	})
	return qf
}

func (qf *FindingQueryFilter) ByStatus(status string) *FindingQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("status = ?", status)
	})
	return qf
}

type FindingQueryOptions BaseQuerier

func NewFindingQueryOptions() *FindingQueryOptions {
	return &FindingQueryOptions{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (o *FindingQueryOptions) WithSortOrder(sort SortOrder) *FindingQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		switch sort {
		case SortByID:
			return tx.Order("id")
		case SortByUpdatedTime:
			return tx.Order("updated_at")
		case SortByCreatedTime:
			return tx.Order("created_at")
		default:
			return tx
		}
	})
	return o
}

type ProofQueryFilter BaseQuerier

func NewProofQueryFilter() *ProofQueryFilter {
	return &ProofQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (qf *ProofQueryFilter) ByStatus(status string) *ProofQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("status = ?", status)
	})
	return qf
}

func (qf *ProofQueryFilter) ByFindingID(findingID uuid.UUID) *ProofQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("finding_id = ?", findingID)
	})
	return qf
}

type ProofQueryOptions BaseQuerier

func NewProofQueryOptions() *ProofQueryOptions {
	return &ProofQueryOptions{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

type WorkerQueryFilter BaseQuerier

func NewWorkerQueryFilter() *WorkerQueryFilter {
	return &WorkerQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (qf *WorkerQueryFilter) ByType(workerType string) *WorkerQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("type = ?", workerType)
	})
	return qf
}

func (qf *WorkerQueryFilter) ByStatus(status string) *WorkerQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("status = ?", status)
	})
	return qf
}

type WorkerQueryOptions BaseQuerier

func NewWorkerQueryOptions() *WorkerQueryOptions {
	return &WorkerQueryOptions{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

type ProtocolQueryFilter BaseQuerier

func NewProtocolQueryFilter() *ProtocolQueryFilter {
	return &ProtocolQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (qf *ProtocolQueryFilter) ByName(name string) *ProtocolQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("name = ?", name)
	})
	return qf
}

type ProtocolQueryOptions BaseQuerier

func NewProtocolQueryOptions() *ProtocolQueryOptions {
	return &ProtocolQueryOptions{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}
