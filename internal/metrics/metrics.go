// Package metrics holds the pipeline's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cameratrap"

// Row results
const (
	RowAccepted = "accepted"
	RowRejected = "rejected"
	RowInvalid  = "invalid"
)

// Metrics is the set of collectors one process registers.
type Metrics struct {
	Rows          *prometheus.CounterVec
	Batches       *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "CSV rows reduced, by result.",
		}, []string{"result"}),
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches finished, by decision.",
		}, []string{"decision"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		gatherer: reg,
	}
	reg.MustRegister(m.Rows, m.Batches, m.StageDuration)
	return m
}

// ObserveRows counts one batch's rows.
func (m *Metrics) ObserveRows(accepted, rejected, invalid int) {
	if m == nil {
		return
	}
	m.Rows.WithLabelValues(RowAccepted).Add(float64(accepted))
	m.Rows.WithLabelValues(RowRejected).Add(float64(rejected))
	m.Rows.WithLabelValues(RowInvalid).Add(float64(invalid))
}

// ObserveBatch counts one finished batch.
func (m *Metrics) ObserveBatch(decision string) {
	if m == nil {
		return
	}
	m.Batches.WithLabelValues(decision).Inc()
}

// Time starts timing a stage; call the returned func when it ends.
func (m *Metrics) Time(stage string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
