package jobs

import (
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
)

// DefaultMaxConcurrentRuns bounds how many runs of one kind execute at
// once on a single agent when no bound is configured. Each run owns a
// sandbox node, so the cap is small.
const DefaultMaxConcurrentRuns = 2

type Client struct {
	*river.Client[pgx.Tx]
}

// NewClient builds the working river client. Workers may be nil when
// the agent serves only one role; the matching queue is then not
// registered at all. maxRuns values below one fall back to
// DefaultMaxConcurrentRuns.
func NewClient(pool *pgxpool.Pool, maxRuns int, scan *ScanWorker, validation *ValidationWorker) (*Client, error) {
	if maxRuns < 1 {
		maxRuns = DefaultMaxConcurrentRuns
	}

	workers := river.NewWorkers()
	queues := make(map[string]river.QueueConfig)

	if scan != nil {
		river.AddWorker(workers, scan)
		queues[ScanQueue] = river.QueueConfig{MaxWorkers: maxRuns}
	}
	if validation != nil {
		river.AddWorker(workers, validation)
		queues[ValidationQueue] = river.QueueConfig{MaxWorkers: maxRuns}
	}

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:  queues,
		Workers: workers,

		FetchCooldown:     50 * time.Millisecond,
		FetchPollInterval: 100 * time.Millisecond,

		CancelledJobRetentionPeriod: 24 * time.Hour,
		CompletedJobRetentionPeriod: 24 * time.Hour,
		DiscardedJobRetentionPeriod: 7 * 24 * time.Hour,
	})
	if err != nil {
		return nil, err
	}

	return &Client{Client: riverClient}, nil
}

// NewInsertClient builds a client that can only enqueue jobs. The
// dispatcher needs one before the pipelines exist, because the scan
// pipeline's submit step is itself a dispatcher.
func NewInsertClient(pool *pgxpool.Pool) (*Client, error) {
	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{})
	if err != nil {
		return nil, err
	}
	return &Client{Client: riverClient}, nil
}
