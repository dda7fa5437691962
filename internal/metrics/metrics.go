// Package metrics exposes Prometheus counters for the tracer and the probe.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "probing"

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Tracer metrics
	SpansStarted prometheus.Counter
	SpansEnded   prometheus.Counter
	SpanEvents   prometheus.Counter
	UsageErrors  *prometheus.CounterVec
	ActiveStacks prometheus.Gauge

	// Sink metrics
	RowsSaved  *prometheus.CounterVec
	SaveErrors *prometheus.CounterVec

	// Probe metrics
	Steps          prometheus.Counter
	SampledStages  *prometheus.CounterVec
	PendingRecords prometheus.Gauge
	DeviceSyncs    prometheus.Counter
	StageDuration  *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates the metrics on a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry creates the metrics on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,

		SpansStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spans_started_total",
			Help:      "Total number of spans entered",
		}),
		SpansEnded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spans_ended_total",
			Help:      "Total number of spans exited",
		}),
		SpanEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "span_events_total",
			Help:      "Total number of events attached to spans",
		}),
		UsageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_errors_total",
			Help:      "Span API misuse by kind",
		}, []string{"kind"}),
		ActiveStacks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_stacks",
			Help:      "Number of live span stacks",
		}),

		RowsSaved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_saved_total",
			Help:      "Rows handed to the sink by table",
		}, []string{"table"}),
		SaveErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "save_errors_total",
			Help:      "Rows the sink rejected by table",
		}, []string{"table"}),

		Steps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Completed steps seen by probes",
		}),
		SampledStages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sampled_stages_total",
			Help:      "Unit stages recorded by the probe",
		}, []string{"stage"}),
		PendingRecords: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_records",
			Help:      "Deferred records waiting for device markers",
		}),
		DeviceSyncs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_syncs_total",
			Help:      "Device synchronizations issued",
		}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Measured device duration of unit stages",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"module", "stage"}),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SpanStarted() {
	if m != nil {
		m.SpansStarted.Inc()
	}
}

func (m *Metrics) SpanEnded() {
	if m != nil {
		m.SpansEnded.Inc()
	}
}

func (m *Metrics) SpanEvent() {
	if m != nil {
		m.SpanEvents.Inc()
	}
}

// UsageError counts a span API misuse of the given kind.
func (m *Metrics) UsageError(kind string) {
	if m != nil {
		m.UsageErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) StackOpened() {
	if m != nil {
		m.ActiveStacks.Inc()
	}
}

func (m *Metrics) StackClosed() {
	if m != nil {
		m.ActiveStacks.Dec()
	}
}

// RowSaved counts a save attempt for table.
func (m *Metrics) RowSaved(table string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.SaveErrors.WithLabelValues(table).Inc()
		return
	}
	m.RowsSaved.WithLabelValues(table).Inc()
}

func (m *Metrics) StepCompleted() {
	if m != nil {
		m.Steps.Inc()
	}
}

func (m *Metrics) StageSampled(stage string) {
	if m != nil {
		m.SampledStages.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) SetPending(n int) {
	if m != nil {
		m.PendingRecords.Set(float64(n))
	}
}

func (m *Metrics) DeviceSynced() {
	if m != nil {
		m.DeviceSyncs.Inc()
	}
}

// ObserveStage records a measured stage duration in seconds.
func (m *Metrics) ObserveStage(module, stage string, seconds float64) {
	if m != nil {
		m.StageDuration.WithLabelValues(module, stage).Observe(seconds)
	}
}
