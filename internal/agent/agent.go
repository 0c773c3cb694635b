// Package agent runs the chainproof daemon: it wires the store, the
// durable queues and the pipelines together, registers this host's
// workers, fails over runs orphaned by a previous process and serves
// the status endpoint until told to stop.
package agent

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"

	"github.com/chainproof/chainproof/internal/config"
	"github.com/chainproof/chainproof/internal/events"
	"github.com/chainproof/chainproof/internal/jobs"
	"github.com/chainproof/chainproof/internal/pipeline"
	"github.com/chainproof/chainproof/internal/store"
	"github.com/chainproof/chainproof/pkg/metrics"
)

// Set at build time via -ldflags.
var version string

type Agent struct {
	id     uuid.UUID
	config *config.Config
	log    *zap.SugaredLogger

	store    store.Store
	pool     *pgxpool.Pool
	producer *events.EventProducer
	queue    *jobs.Client
	registry *registry
	cancel   context.CancelFunc
}

// New creates a new agent.
func New(id uuid.UUID, cfg *config.Config) *Agent {
	return &Agent{
		id:     id,
		config: cfg,
		log:    zap.S().Named("agent"),
	}
}

func (a *Agent) Run(ctx context.Context) error {
	a.log.Infof("starting agent %s: %s", a.id, version)
	defer a.log.Info("agent stopped")

	defer utilruntime.HandleCrash()

	types, err := roleTypes(a.config.Agent.Role)
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	ctx, a.cancel = context.WithCancel(ctx)
	if err := a.start(ctx, types); err != nil {
		a.cancel()
		a.close()
		return err
	}

	select {
	case <-sig:
	case <-ctx.Done():
	}

	a.log.Info("stopping agent...")

	a.Stop()
	a.cancel()
	a.close()

	return nil
}

// Stop drains the queue, marks this host's workers OFFLINE and
// flushes pending events. Claimed runs that cannot finish within the
// drain window are failed over by the recovery scan of the next start.
func (a *Agent) Stop() {
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.queue != nil {
		if err := a.queue.Stop(stopCtx); err != nil {
			a.log.Warnw("queue did not drain cleanly", "error", err)
		}
	}
	if a.registry != nil {
		a.registry.Offline(stopCtx)
	}
	if a.producer != nil {
		_ = a.producer.Close()
	}
}

func (a *Agent) start(ctx context.Context, types []string) error {
	db, err := store.InitDB(a.config)
	if err != nil {
		return fmt.Errorf("failed to initialize data store: %w", err)
	}
	a.store = store.NewStore(db)

	a.pool, err = newPool(ctx, a.config)
	if err != nil {
		return fmt.Errorf("failed to initialize queue pool: %w", err)
	}

	a.producer = events.NewEventProducer(a.newEventWriter(), producerOptions(a.config)...)
	emitter := events.NewEmitter(a.producer)

	a.registry = newRegistry(a.store, emitter)
	if err := a.registry.Register(ctx, a.id, a.workerName(), types, a.toolVersions(ctx)); err != nil {
		return fmt.Errorf("failed to register workers: %w", err)
	}

	// Orphaned runs must be failed over before the queue hands out new
	// work, otherwise a revived worker row could claim a fresh run
	// while still listed on a dead one.
	if _, err := pipeline.NewRecoveryScanner(a.store, emitter).Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover orphaned runs: %w", err)
	}

	insertClient, err := jobs.NewInsertClient(a.pool)
	if err != nil {
		return fmt.Errorf("failed to initialize insert client: %w", err)
	}
	dispatcher := jobs.NewDispatcher(a.store, insertClient)

	scanWorker, validationWorker, err := a.buildWorkers(ctx, emitter, dispatcher, types)
	if err != nil {
		return err
	}

	a.queue, err = jobs.NewClient(a.pool, a.config.Agent.MaxConcurrentRuns, scanWorker, validationWorker)
	if err != nil {
		return fmt.Errorf("failed to initialize queue client: %w", err)
	}
	if err := a.queue.Start(ctx); err != nil {
		return fmt.Errorf("failed to start queue client: %w", err)
	}

	go a.heartbeat(ctx)

	listener, err := net.Listen("tcp", a.config.Agent.MetricsAddress)
	if err != nil {
		return fmt.Errorf("failed to bind status listener: %w", err)
	}
	statusServer := NewStatusServer(a.config.Agent.MetricsAddress, listener, a.store)
	go func() {
		if err := statusServer.Run(ctx); err != nil {
			a.log.Errorw("status server stopped with error", "error", err)
		}
	}()

	metrics.RegisterStoreStatsCollector(a.store)

	return nil
}

func (a *Agent) close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warnw("failed to close store", "error", err)
		}
	}
}

// heartbeat refreshes the worker rows on a jittered tick so a fleet
// restarted together does not stampede the store.
func (a *Agent) heartbeat(ctx context.Context) {
	interval := time.Duration(a.config.Agent.HeartbeatIntervalSec) * time.Second
	ticker := jitterbug.New(interval, &jitterbug.Norm{Stdev: 30 * time.Millisecond, Mean: 0})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		a.registry.Heartbeat(ctx)
	}
}

func (a *Agent) workerName() string {
	if a.config.Agent.WorkerName != "" {
		return a.config.Agent.WorkerName
	}
	hostname, err := os.Hostname()
	if err != nil {
		return a.id.String()
	}
	return hostname
}
