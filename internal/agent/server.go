package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	api "github.com/chainproof/chainproof/api/v1alpha1"
	"github.com/chainproof/chainproof/internal/store"
	"github.com/chainproof/chainproof/internal/store/model"
	"github.com/chainproof/chainproof/pkg/log"
	"github.com/chainproof/chainproof/pkg/metrics"
	"github.com/chainproof/chainproof/pkg/middleware"
)

const gracefulShutdownTimeout = 5 * time.Second

// StatusServer serves the agent's observability surface: prometheus
// metrics, a liveness probe and a status document for run dashboards.
type StatusServer struct {
	bindAddress string
	httpServer  *http.Server
	listener    net.Listener
}

func NewStatusServer(bindAddress string, listener net.Listener, s store.Store) *StatusServer {
	metricMiddleware := metrics.NewMiddleware("agent")
	metricMiddleware.MustRegisterDefault()

	router := newRouter(s,
		metricMiddleware.Handler,
		middleware.RequestID,
		log.Logger(zap.L(), "status_server"),
	)

	return &StatusServer{
		bindAddress: bindAddress,
		listener:    listener,
		httpServer: &http.Server{
			Addr:    bindAddress,
			Handler: router,
		},
	}
}

func newRouter(s store.Store, middlewares ...func(http.Handler) http.Handler) *chi.Mux {
	router := chi.NewRouter()
	router.Use(middlewares...)

	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Get("/api/v1/status", statusHandler(s))

	return router
}

func (s *StatusServer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		s.httpServer.SetKeepAlivesEnabled(false)
		_ = s.httpServer.Shutdown(ctxTimeout)
		zap.S().Named("status_server").Info("status server terminated")
	}()

	zap.S().Named("status_server").Infof("serving status and metrics: %s", s.bindAddress)
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type runRef struct {
	RunID uuid.UUID `json:"run_id"`
	Kind  string    `json:"kind"`
	JobID *int64    `json:"job_id,omitempty"`
}

type statusReply struct {
	Status     string           `json:"status"`
	Version    string           `json:"version"`
	Statistics model.Statistics `json:"statistics"`
	ActiveRuns []runRef         `json:"active_runs"`
}

func statusHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		stats, err := s.Statistics(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		running, err := s.Run().List(ctx,
			store.NewRunQueryFilter().ByStatus(string(api.RunStatusRunning)),
			store.NewRunQueryOptions())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		active := make([]runRef, 0, len(running))
		for i := range running {
			ref := runRef{RunID: running[i].ID, Kind: running[i].Kind}
			// The job id is best-effort decoration, runs still render
			// without it.
			if jobID, err := s.RiverJob().GetJob(ctx, running[i].ID); err == nil {
				ref.JobID = jobID
			}
			active = append(active, ref)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statusReply{
			Status:     "ok",
			Version:    version,
			Statistics: stats,
			ActiveRuns: active,
		})
	}
}
