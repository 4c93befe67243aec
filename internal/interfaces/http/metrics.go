package http

import (
	nethttp "net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/optionsflow/optionsflow/internal/domain"
)

// MetricsRegistry holds the Prometheus instruments for the flow pipeline.
type MetricsRegistry struct {
	registry *prometheus.Registry

	EventsReceived  prometheus.Counter
	EventsFiltered  *prometheus.CounterVec
	BatchesEmitted  prometheus.Counter
	BatchesDropped  prometheus.Counter
	ValidationFails prometheus.Counter
	BreakerOpen     prometheus.Gauge
	WindowsActive   prometheus.Gauge
	WindowsEmitted  prometheus.Counter
	SignalsEmitted  *prometheus.CounterVec
	BaselineCount   prometheus.Gauge
}

// NewMetricsRegistry creates and registers all pipeline metrics on a private
// registry so tests can instantiate more than one.
func NewMetricsRegistry() *MetricsRegistry {
	m := &MetricsRegistry{
		registry: prometheus.NewRegistry(),
		EventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optionsflow_events_received_total",
			Help: "Raw market events submitted to the filter",
		}),
		EventsFiltered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionsflow_events_filtered_total",
			Help: "Events rejected at admission, by reason",
		}, []string{"reason"}),
		BatchesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optionsflow_batches_emitted_total",
			Help: "Batches handed to the worker pool",
		}),
		BatchesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optionsflow_batches_dropped_total",
			Help: "Batches dropped because the queue was full",
		}),
		ValidationFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optionsflow_validation_failures_total",
			Help: "Events that failed quality validation",
		}),
		BreakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optionsflow_breaker_open",
			Help: "1 when the validator circuit breaker is open",
		}),
		WindowsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optionsflow_pressure_windows_active",
			Help: "Live pressure accumulation windows",
		}),
		WindowsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optionsflow_pressure_windows_emitted_total",
			Help: "Finalized pressure windows",
		}),
		SignalsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionsflow_signals_emitted_total",
			Help: "Signals routed, by severity",
		}, []string{"severity"}),
		BaselineCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optionsflow_baselines_tracked",
			Help: "Instruments with an in-memory baseline",
		}),
	}

	m.registry.MustRegister(
		m.EventsReceived, m.EventsFiltered,
		m.BatchesEmitted, m.BatchesDropped,
		m.ValidationFails, m.BreakerOpen,
		m.WindowsActive, m.WindowsEmitted,
		m.SignalsEmitted, m.BaselineCount,
	)
	return m
}

// OnSignal implements the pipeline signal listener so routed signals count by
// severity without polling.
func (m *MetricsRegistry) OnSignal(sig domain.Signal) {
	m.SignalsEmitted.WithLabelValues(sig.Severity.String()).Inc()
}

// Handler serves the registry in Prometheus exposition format.
func (m *MetricsRegistry) Handler() nethttp.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
