// Package observability holds the Prometheus instruments exported on /metrics.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AaronLay10/Constellation/internal/devices"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ConstellationsActive  prometheus.Gauge
	ConstellationOutcomes *prometheus.CounterVec
	TaskTransitions       *prometheus.CounterVec
	Dispatches            *prometheus.CounterVec
	Failbacks             *prometheus.CounterVec
	StaleResults          prometheus.Counter
	Mutations             *prometheus.CounterVec
	Devices               *prometheus.GaugeVec
	EventsEmitted         *prometheus.CounterVec
	HTTPRequests          *prometheus.CounterVec
	TaskDuration          prometheus.Histogram
}

// NewMetrics registers the instruments on reg, or on the default registry
// when reg is nil.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ConstellationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "constellations_active",
			Help:      "Number of constellations with a running control loop.",
		}),
		ConstellationOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "constellation_outcomes_total",
			Help:      "Finished constellations by final state.",
		}, []string{"state"}),
		TaskTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Applied task status transitions by target status.",
		}, []string{"to"}),
		Dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Commands handed to the dispatch channel by outcome.",
		}, []string{"outcome"}),
		Failbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failbacks_total",
			Help:      "In-flight tasks taken back from their device by reason.",
		}, []string{"kind"}),
		StaleResults: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_results_total",
			Help:      "Results discarded because their assignment was superseded.",
		}),
		Mutations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_mutations_total",
			Help:      "Graph mutations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		Devices: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices",
			Help:      "Registered devices by status.",
		}, []string{"status"}),
		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Observability events by level.",
		}, []string{"level"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern and status code.",
		}, []string{"route", "code"}),
		TaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_execution_seconds",
			Help:      "Time from RUNNING to a final device result.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
	}
}

func (m *Metrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.TaskTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) ObserveDispatch(outcome string) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveFailback(kind string) {
	if m == nil {
		return
	}
	m.Failbacks.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveStaleResult() {
	if m == nil {
		return
	}
	m.StaleResults.Inc()
}

func (m *Metrics) ObserveMutation(kind, outcome string) {
	if m == nil {
		return
	}
	m.Mutations.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveTaskDuration(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.TaskDuration.Observe(d.Seconds())
}

// ConstellationStarted and ConstellationFinished keep the active gauge and
// the outcome counter in step.
func (m *Metrics) ConstellationStarted() {
	if m == nil {
		return
	}
	m.ConstellationsActive.Inc()
}

func (m *Metrics) ConstellationFinished(state string) {
	if m == nil {
		return
	}
	m.ConstellationsActive.Dec()
	m.ConstellationOutcomes.WithLabelValues(state).Inc()
}

// ObserveDevices sets the device gauges from registry counts.
func (m *Metrics) ObserveDevices(counts map[devices.Status]int) {
	if m == nil {
		return
	}
	for status, n := range counts {
		m.Devices.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (m *Metrics) ObserveEvent(level string) {
	if m == nil {
		return
	}
	m.EventsEmitted.WithLabelValues(level).Inc()
}

func (m *Metrics) ObserveHTTP(route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
