package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	chainproof = "chainproof"

	// Run metrics
	runsTotal          = "runs_total"
	stepDurationSecond = "step_duration_seconds"
	stepFailuresTotal  = "step_failures_total"

	// Worker metrics
	WorkerStatusCount  = "worker_status_count"
	sandboxActiveCount = "sandbox_active_count"

	// Proof metrics
	proofsTotal = "proofs_total"

	// Labels
	runKindLabel      = "kind"
	runOutcomeLabel   = "outcome"
	stepNameLabel     = "step"
	errorCodeLabel    = "code"
	workerStatusLabel = "status"
	proofStatusLabel  = "status"
)

var runsTotalLabels = []string{
	runKindLabel,
	runOutcomeLabel,
}

var stepDurationLabels = []string{
	runKindLabel,
	stepNameLabel,
}

var stepFailuresTotalLabels = []string{
	stepNameLabel,
	errorCodeLabel,
}

var workerStatusCountLabels = []string{
	workerStatusLabel,
}

var proofsTotalLabels = []string{
	proofStatusLabel,
}

/**
* Metrics definition
**/
var runsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: chainproof,
		Name:      runsTotal,
		Help:      "number of pipeline runs partitioned by kind and terminal outcome",
	},
	runsTotalLabels,
)

var stepDurationMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Subsystem: chainproof,
		Name:      stepDurationSecond,
		Help:      "time spent executing each pipeline step",
		Buckets:   []float64{1, 5, 15, 60, 180, 300, 600, 900},
	},
	stepDurationLabels,
)

var stepFailuresTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: chainproof,
		Name:      stepFailuresTotal,
		Help:      "number of failed pipeline steps partitioned by step and error code",
	},
	stepFailuresTotalLabels,
)

var workerStatusCountMetric = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Subsystem: chainproof,
		Name:      WorkerStatusCount,
		Help:      "metrics to record the number of workers in each status",
	},
	workerStatusCountLabels,
)

var sandboxActiveCountMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: chainproof,
		Name:      sandboxActiveCount,
		Help:      "number of sandbox chains currently running on this host",
	},
)

var proofsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: chainproof,
		Name:      proofsTotal,
		Help:      "number of proofs partitioned by status transition",
	},
	proofsTotalLabels,
)

func IncreaseRunsTotalMetric(kind string, outcome string) {
	labels := prometheus.Labels{
		runKindLabel:    kind,
		runOutcomeLabel: outcome,
	}
	runsTotalMetric.With(labels).Inc()
}

func ObserveStepDurationMetric(kind string, step string, seconds float64) {
	labels := prometheus.Labels{
		runKindLabel:  kind,
		stepNameLabel: step,
	}
	stepDurationMetric.With(labels).Observe(seconds)
}

func IncreaseStepFailuresTotalMetric(step string, code string) {
	labels := prometheus.Labels{
		stepNameLabel:  step,
		errorCodeLabel: code,
	}
	stepFailuresTotalMetric.With(labels).Inc()
}

func UpdateWorkerStatusCountMetric(status string, count int) {
	labels := prometheus.Labels{
		workerStatusLabel: status,
	}
	workerStatusCountMetric.With(labels).Set(float64(count))
}

func UpdateSandboxActiveCountMetric(count int) {
	sandboxActiveCountMetric.Set(float64(count))
}

func IncreaseProofsTotalMetric(status string) {
	labels := prometheus.Labels{
		proofStatusLabel: status,
	}
	proofsTotalMetric.With(labels).Inc()
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(runsTotalMetric)
	prometheus.MustRegister(stepDurationMetric)
	prometheus.MustRegister(stepFailuresTotalMetric)
	prometheus.MustRegister(workerStatusCountMetric)
	prometheus.MustRegister(sandboxActiveCountMetric)
	prometheus.MustRegister(proofsTotalMetric)
}
