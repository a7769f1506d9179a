package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry encapsulates all metrics and provides a clean interface
// for recording metrics without global state
type Registry struct {
	registry *prometheus.Registry

	// Bus publish metrics
	publishTotal        *prometheus.CounterVec
	publishDuration     *prometheus.HistogramVec
	publishPayloadBytes *prometheus.HistogramVec

	// Dispatch metrics
	dispatchTotal    *prometheus.CounterVec
	deliveredTotal   *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
	sessionEvictions *prometheus.CounterVec

	// Connection lifecycle metrics
	reconnectTotal    *prometheus.CounterVec
	subscriptionTotal *prometheus.CounterVec

	// Failover metrics
	modeTransitions *prometheus.CounterVec
	currentMode     *prometheus.GaugeVec

	// System health metrics
	systemInfo *prometheus.GaugeVec
	startTime  prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	registry := prometheus.NewRegistry()

	r := &Registry{
		registry: registry,

		publishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_bus_publish_total",
				Help: "Total number of bus publish operations",
			},
			[]string{"channel", "status"}, // status: success, error
		),

		publishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_bus_publish_duration_seconds",
				Help:    "Time spent publishing events to the bus",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),

		publishPayloadBytes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_bus_publish_payload_bytes",
				Help:    "Size of published event payloads",
				Buckets: []float64{64, 256, 1024, 4096, 16384, 65536, 262144},
			},
			[]string{"channel"},
		),

		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_dispatch_total",
				Help: "Total number of events dispatched to sessions",
			},
			[]string{"channel"},
		),

		deliveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_dispatch_deliveries_total",
				Help: "Total number of per-session event deliveries",
			},
			[]string{"channel"},
		),

		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_sessions_active",
				Help: "Current number of connected client sessions",
			},
		),

		sessionEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_session_evictions_total",
				Help: "Total number of sessions evicted",
			},
			[]string{"reason"}, // reason: closed, backpressure, shutdown
		),

		reconnectTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_reconnect_attempts_total",
				Help: "Total number of reconnect attempts",
			},
			[]string{"component", "status"}, // component: bus, source
		),

		subscriptionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_subscription_events_total",
				Help: "Subscription open/close/lost events, per component",
			},
			[]string{"component", "event"},
		),

		modeTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_mode_transitions_total",
				Help: "Total number of failover state transitions",
			},
			[]string{"from", "to"},
		),

		currentMode: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_mode",
				Help: "Current failover state (value 1 on the active state)",
			},
			[]string{"state"},
		),

		systemInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_system_info",
				Help: "System information (value is always 1, labels contain info)",
			},
			[]string{"version", "build_time"},
		),

		startTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_start_time_seconds",
				Help: "Unix timestamp when the application started",
			},
		),
	}

	// add default Go metrics (memory, GC, goroutines, etc.)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Register application metrics
	registry.MustRegister(
		r.publishTotal,
		r.publishDuration,
		r.publishPayloadBytes,
		r.dispatchTotal,
		r.deliveredTotal,
		r.sessionsActive,
		r.sessionEvictions,
		r.reconnectTotal,
		r.subscriptionTotal,
		r.modeTransitions,
		r.currentMode,
		r.systemInfo,
		r.startTime,
	)

	// Set start time
	r.startTime.SetToCurrentTime()

	return r
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          r.registry,
	})
}

// RecordBusPublish records one bus publish operation
func (r *Registry) RecordBusPublish(channel string, payloadSize int, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	r.publishTotal.WithLabelValues(channel, status).Inc()
	r.publishDuration.WithLabelValues(channel).Observe(duration.Seconds())
	if err == nil {
		r.publishPayloadBytes.WithLabelValues(channel).Observe(float64(payloadSize))
	}
}

// RecordDispatch records one event dispatched to delivered sessions
func (r *Registry) RecordDispatch(channel string, delivered int) {
	r.dispatchTotal.WithLabelValues(channel).Inc()
	if delivered > 0 {
		r.deliveredTotal.WithLabelValues(channel).Add(float64(delivered))
	}
}

// SetSessionsActive records the current session count
func (r *Registry) SetSessionsActive(n int) {
	r.sessionsActive.Set(float64(n))
}

// RecordEviction records one session eviction with its reason
func (r *Registry) RecordEviction(reason string) {
	r.sessionEvictions.WithLabelValues(reason).Inc()
}

// RecordReconnect records one reconnect attempt for a component
func (r *Registry) RecordReconnect(component string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	r.reconnectTotal.WithLabelValues(component, status).Inc()
}

// RecordSubscription records a subscription lifecycle event (open, close, lost)
func (r *Registry) RecordSubscription(component, event string) {
	r.subscriptionTotal.WithLabelValues(component, event).Inc()
}

// RecordModeTransition records one failover state transition and moves
// the current-mode gauge
func (r *Registry) RecordModeTransition(from, to string) {
	r.modeTransitions.WithLabelValues(from, to).Inc()
	r.currentMode.WithLabelValues(from).Set(0)
	r.currentMode.WithLabelValues(to).Set(1)
}

// SetMode sets the current-mode gauge without recording a transition
func (r *Registry) SetMode(state string) {
	r.currentMode.WithLabelValues(state).Set(1)
}

// SetSystemInfo sets the system information metric
func (r *Registry) SetSystemInfo(version, buildTime string) {
	r.systemInfo.WithLabelValues(version, buildTime).Set(1)
}
