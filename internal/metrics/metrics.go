// Package metrics provides Prometheus instrumentation for streaming writers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "rasterstream"

// Registry holds the metric instances of streaming writers, labelled by writer name.
type Registry struct {
	Runs            *prometheus.CounterVec
	Failures        *prometheus.CounterVec
	Splits          *prometheus.CounterVec
	Bytes           *prometheus.CounterVec
	Progress        *prometheus.GaugeVec
	ProduceDuration *prometheus.HistogramVec
	CommitDuration  *prometheus.HistogramVec
}

// NewRegistry creates the metrics and registers them with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "writer",
				Name:      "runs_total",
				Help:      "Total number of streaming runs that completed successfully",
			},
			[]string{"writer_name"},
		),

		Failures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "writer",
				Name:      "failures_total",
				Help:      "Total number of streaming runs that failed, by failure kind",
			},
			[]string{"writer_name", "kind"},
		),

		Splits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "writer",
				Name:      "splits_committed_total",
				Help:      "Total number of regions committed to storage",
			},
			[]string{"writer_name"},
		),

		Bytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "writer",
				Name:      "bytes_committed_total",
				Help:      "Total pixel bytes committed to storage",
			},
			[]string{"writer_name"},
		),

		Progress: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "writer",
				Name:      "progress_ratio",
				Help:      "Progress of the current or last run (0.0 to 1.0)",
			},
			[]string{"writer_name"},
		),

		ProduceDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "writer",
				Name:      "produce_duration_seconds",
				Help:      "Time spent producing one region",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"writer_name"},
		),

		CommitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "writer",
				Name:      "commit_duration_seconds",
				Help:      "Time spent committing one region",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"writer_name"},
		),
	}
}
