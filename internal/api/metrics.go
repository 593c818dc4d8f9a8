package api

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AaronLay10/Constellation/internal/events"
	"github.com/AaronLay10/Constellation/internal/version"
)

func boolGauge(read func() bool) func() float64 {
	return func() float64 {
		if read() {
			return 1
		}
		return 0
	}
}

// RegisterRuntimeMetrics exposes process-level state that is read on scrape:
// uptime, dependency connectivity, WebSocket clients and the event total.
func RegisterRuntimeMetrics(namespace string, reg prometheus.Registerer) {
	factory := promauto.With(reg)
	start := time.Now()
	labels := prometheus.Labels{"version": version.Version}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "uptime_seconds",
		Help:        "Number of seconds since the process started.",
		ConstLabels: labels,
	}, func() float64 { return time.Since(start).Seconds() })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ready",
		Help:      "Whether the orchestrator hub is accepting constellations (1) or not (0).",
	}, boolGauge(func() bool { return currentReadiness().Ready }))

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "mqtt_connected",
		Help:      "Whether the MQTT broker is connected (1) or not (0).",
	}, boolGauge(func() bool {
		readiness.mu.RLock()
		defer readiness.mu.RUnlock()
		return readiness.mqttConnected
	}))

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "postgres_connected",
		Help:      "Whether PostgreSQL is connected (1) or not (0).",
	}, boolGauge(func() bool {
		readiness.mu.RLock()
		defer readiness.mu.RUnlock()
		return readiness.postgresConnected
	}))

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_clients",
		Help:      "Number of live event stream subscribers.",
	}, func() float64 { return float64(events.SubscriberCount()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_buffered_total",
		Help:      "Events added to the in-memory ring buffer since startup.",
	}, func() float64 { return float64(events.TotalCount()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Live event deliveries skipped because a subscriber fell behind.",
	}, func() float64 { return float64(events.DroppedCount()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_persist_dropped_total",
		Help:      "Events not written to the audit log because the store queue was full.",
	}, func() float64 { return float64(events.PersistDroppedCount()) })
}
