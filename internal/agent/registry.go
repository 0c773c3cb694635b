package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	api "github.com/chainproof/chainproof/api/v1alpha1"
	"github.com/chainproof/chainproof/internal/events"
	"github.com/chainproof/chainproof/internal/store"
	"github.com/chainproof/chainproof/internal/store/model"
	"github.com/chainproof/chainproof/pkg/metrics"
)

// workerEventSink is the emitter surface the registry needs.
type workerEventSink interface {
	WorkerEvent(ctx context.Context, e events.WorkerEvent)
}

// registration is one worker row owned by this process.
type registration struct {
	ID   uuid.UUID
	Type string
}

// registry owns this agent's worker rows: it creates or revives them
// at startup, keeps their heartbeat fresh and marks them OFFLINE on
// shutdown.
type registry struct {
	store   store.Store
	emitter workerEventSink
	regs    []registration
	log     *zap.SugaredLogger
}

func newRegistry(s store.Store, emitter workerEventSink) *registry {
	return &registry{
		store:   s,
		emitter: emitter,
		log:     zap.S().Named("registry"),
	}
}

// workerID derives a stable worker id from the agent id and the worker
// type. An agent serving both roles owns two rows, and both survive
// restarts.
func workerID(agentID uuid.UUID, workerType string) uuid.UUID {
	return uuid.NewSHA1(agentID, []byte(strings.ToLower(workerType)))
}

// Register creates or revives one worker row per type. Revived rows
// drop any stale claim left behind by a previous process. statusInfo
// describes the host's tooling and lands on every owned row.
func (r *registry) Register(ctx context.Context, agentID uuid.UUID, name string, types []string, statusInfo string) error {
	now := time.Now().UTC()

	for _, workerType := range types {
		id := workerID(agentID, workerType)

		_, err := r.store.Worker().Get(ctx, id)
		switch {
		case errors.Is(err, store.ErrRecordNotFound):
			if _, err := r.store.Worker().Create(ctx, model.Worker{
				ID:         id,
				Name:       name,
				Type:       workerType,
				Status:     string(api.WorkerStatusOnline),
				StatusInfo: statusInfo,
				Version:    version,
				LastSeenAt: &now,
			}); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := r.store.Worker().ClearCurrentRun(ctx, id, string(api.WorkerStatusOnline), false); err != nil {
				return err
			}
			if _, err := r.store.Worker().Update(ctx, model.Worker{
				ID:         id,
				Name:       name,
				StatusInfo: statusInfo,
				Version:    version,
				LastSeenAt: &now,
			}); err != nil {
				return err
			}
		}

		r.regs = append(r.regs, registration{ID: id, Type: workerType})
		r.emitter.WorkerEvent(ctx, events.WorkerEvent{
			WorkerID: id.String(),
			State:    string(api.WorkerStatusOnline),
		})
		r.log.Infow("worker registered", "worker_id", id, "type", workerType, "name", name)
	}

	r.RefreshMetrics(ctx)
	return nil
}

// Heartbeat refreshes LastSeenAt on every owned row. Failures are
// logged and retried on the next tick.
func (r *registry) Heartbeat(ctx context.Context) {
	now := time.Now().UTC()
	for _, reg := range r.regs {
		if _, err := r.store.Worker().Update(ctx, model.Worker{ID: reg.ID, LastSeenAt: &now}); err != nil {
			r.log.Warnw("failed to refresh worker heartbeat", "worker_id", reg.ID, "error", err)
		}
	}
	r.RefreshMetrics(ctx)
}

// RefreshMetrics recomputes the worker status gauge from the store.
// Every status is preset so emptied states drop back to zero, and rows
// with an unrecognized status land in OFFLINE instead of growing the
// label set.
func (r *registry) RefreshMetrics(ctx context.Context) {
	counts := map[api.WorkerStatus]int{
		api.WorkerStatusOnline:  0,
		api.WorkerStatusBusy:    0,
		api.WorkerStatusError:   0,
		api.WorkerStatusOffline: 0,
	}

	workers, err := r.store.Worker().List(ctx, store.NewWorkerQueryFilter(), store.NewWorkerQueryOptions())
	if err != nil {
		r.log.Warnw("failed to list workers for the status metric", "error", err)
		return
	}
	for i := range workers {
		counts[api.StringToWorkerStatus(workers[i].Status)]++
	}

	for status, count := range counts {
		metrics.UpdateWorkerStatusCountMetric(string(status), count)
	}
}

// Offline releases every owned row on shutdown. In-flight claims are
// dropped: the recovery scan of the next start fails those runs over.
func (r *registry) Offline(ctx context.Context) {
	for _, reg := range r.regs {
		if err := r.store.Worker().ClearCurrentRun(ctx, reg.ID, string(api.WorkerStatusOffline), false); err != nil {
			r.log.Warnw("failed to mark worker offline", "worker_id", reg.ID, "error", err)
			continue
		}
		r.emitter.WorkerEvent(ctx, events.WorkerEvent{
			WorkerID:  reg.ID.String(),
			State:     string(api.WorkerStatusOffline),
			StateInfo: "agent shutdown",
		})
	}
	r.RefreshMetrics(ctx)
}
