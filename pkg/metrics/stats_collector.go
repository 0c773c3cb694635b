package metrics

import (
	"context"
	"fmt"

	"github.com/chainproof/chainproof/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type storeStatsCollector struct {
	store             store.Store
	totalRuns         *prometheus.Desc
	totalRunsByStatus *prometheus.Desc
	totalRunsByKind   *prometheus.Desc
	totalWorkers      *prometheus.Desc
	totalFindings     *prometheus.Desc
}

func newStoreStatsCollector(s store.Store) prometheus.Collector {
	fqName := func(name string) string {
		return fmt.Sprintf("%s_store_%s", chainproof, name)
	}

	return &storeStatsCollector{
		store: s,
		totalRuns: prometheus.NewDesc(
			fqName("runs_total"),
			"Total number of recorded runs.",
			nil,
			prometheus.Labels{},
		),
		totalRunsByStatus: prometheus.NewDesc(
			fqName("runs_by_status_total"),
			"Total runs by lifecycle status",
			[]string{"status"},
			prometheus.Labels{},
		),
		totalRunsByKind: prometheus.NewDesc(
			fqName("runs_by_kind_total"),
			"Total runs by kind",
			[]string{"kind"},
			prometheus.Labels{},
		),
		totalWorkers: prometheus.NewDesc(
			fqName("workers_total"),
			"Total number of registered workers.",
			nil,
			prometheus.Labels{},
		),
		totalFindings: prometheus.NewDesc(
			fqName("findings_total"),
			"Total findings across all recorded runs.",
			nil,
			prometheus.Labels{},
		),
	}
}

// RegisterStoreStatsCollector exposes store-wide aggregates on the
// default registry. Call once, after the store is ready.
func RegisterStoreStatsCollector(s store.Store) {
	prometheus.MustRegister(newStoreStatsCollector(s))
}

func (c *storeStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalRuns
	ch <- c.totalRunsByStatus
	ch <- c.totalRunsByKind
	ch <- c.totalWorkers
	ch <- c.totalFindings
}

// Collect implements Collector.
func (c *storeStatsCollector) Collect(ch chan<- prometheus.Metric) {
	stats, err := c.store.Statistics(context.Background())
	if err != nil {
		zap.S().Named("stats_collector").Errorf("failed to collect store statistics: %s", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.totalRuns, prometheus.GaugeValue, float64(stats.Runs.Total))
	ch <- prometheus.MustNewConstMetric(c.totalWorkers, prometheus.GaugeValue, float64(stats.Workers.Total))
	ch <- prometheus.MustNewConstMetric(c.totalFindings, prometheus.GaugeValue, float64(stats.TotalFindings))

	for status, total := range stats.Runs.TotalByStatus {
		ch <- prometheus.MustNewConstMetric(c.totalRunsByStatus, prometheus.GaugeValue, float64(total), status)
	}

	for kind, total := range stats.Runs.TotalByKind {
		ch <- prometheus.MustNewConstMetric(c.totalRunsByKind, prometheus.GaugeValue, float64(total), kind)
	}
}
