// Package metrics counts operations of one invocation. Since every run is a
// short process, the registry is exported to a node_exporter textfile
// instead of being scraped.
package metrics

import (
	"time"

	"pbp/go-pbp/internal/contracts"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	ResultOK    = "ok"
	ResultError = "error"
)

type Recorder struct {
	registry *prometheus.Registry
	ops      *prometheus.CounterVec
	errors   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pbp",
			Name:      "operations_total",
			Help:      "Operations run, by operation and result.",
		}, []string{"operation", "result"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pbp",
			Name:      "errors_total",
			Help:      "Failed operations, by error category.",
		}, []string{"category"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pbp",
			Name:      "operation_duration_seconds",
			Help:      "Wall time of operations, passphrase stretching included.",
			Buckets:   []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"operation"}),
	}
	r.registry.MustRegister(r.ops, r.errors, r.duration)
	return r
}

// RecordOp observes one finished operation. A nil Recorder ignores it.
func (r *Recorder) RecordOp(operation string, started time.Time, err error) {
	if r == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
		r.errors.WithLabelValues(contracts.ErrorCategory(contracts.Classify(err))).Inc()
	}
	r.ops.WithLabelValues(operation, result).Inc()
	r.duration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// WriteTextfile writes the registry in text exposition format. An empty
// path disables the export.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.registry)
}
