package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/stackflow/stackflow/pkg/poll"
)

// Metrics provides Prometheus metrics for flow execution.
type Metrics struct {
	config MetricsConfig

	// Flow metrics
	flowsStarted   *prometheus.CounterVec
	flowsCompleted *prometheus.CounterVec
	flowDuration   *prometheus.HistogramVec

	// Step metrics
	transitions  *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec

	// Waiting metrics
	pollProbes *prometheus.CounterVec
	retries    *prometheus.CounterVec

	// Notification metrics
	notifications *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	// System metrics
	activeFlows  prometheus.Gauge
	queuedFlows  prometheus.Gauge
	stalledFlows prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op metrics: every recorder checks for nil collectors.
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		flowsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flows_started_total",
				Help:      "Total number of flows started",
			},
			[]string{"definition"},
		),
		flowsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flows_completed_total",
				Help:      "Total number of flows that reached a terminal state",
			},
			[]string{"definition", "outcome"},
		),
		flowDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "flow_duration_seconds",
				Help:      "Duration from flow creation to its terminal state in seconds",
				Buckets:   buckets,
			},
			[]string{"definition", "outcome"},
		),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Total number of committed state transitions",
			},
			[]string{"definition", "from", "event"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of state actions in seconds",
				Buckets:   buckets,
			},
			[]string{"definition", "state"},
		),

		pollProbes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_probes_total",
				Help:      "Total number of poll probe invocations",
			},
			[]string{"task", "outcome"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of retried calls",
			},
			[]string{"operation"},
		),

		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total number of notification deliveries",
			},
			[]string{"sink", "result"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of action errors by error class",
			},
			[]string{"class"},
		),

		activeFlows: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_flows",
				Help:      "Current number of flows being executed",
			},
		),
		queuedFlows: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_flows",
				Help:      "Current number of flows waiting for a worker",
			},
		),
		stalledFlows: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stalled_flows",
				Help:      "Current number of active flows without a transition past the stall ceiling",
			},
		),
	}

	registry.MustRegister(
		m.flowsStarted,
		m.flowsCompleted,
		m.flowDuration,
		m.transitions,
		m.stepDuration,
		m.pollProbes,
		m.retries,
		m.notifications,
		m.errorsByClass,
		m.activeFlows,
		m.queuedFlows,
		m.stalledFlows,
	)

	return m, nil
}

// Flow Metrics

// RecordFlowStarted increments the counter for started flows.
func (m *Metrics) RecordFlowStarted(definition string) {
	if m == nil || m.flowsStarted == nil {
		return
	}
	m.flowsStarted.WithLabelValues(definition).Inc()
}

// RecordFlowCompleted records a flow reaching a terminal state.
func (m *Metrics) RecordFlowCompleted(definition, outcome string, duration time.Duration) {
	if m == nil || m.flowsCompleted == nil {
		return
	}
	m.flowsCompleted.WithLabelValues(definition, outcome).Inc()
	m.flowDuration.WithLabelValues(definition, outcome).Observe(duration.Seconds())
}

// Step Metrics

// RecordTransition records a committed transition.
func (m *Metrics) RecordTransition(definition, from, event string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(definition, from, event).Inc()
}

// RecordStep records the duration of one action execution.
func (m *Metrics) RecordStep(definition, state string, duration time.Duration) {
	if m == nil || m.stepDuration == nil {
		return
	}
	m.stepDuration.WithLabelValues(definition, state).Observe(duration.Seconds())
}

// ObserveProbe records a poll probe outcome.
func (m *Metrics) ObserveProbe(task string, outcome poll.OutcomeKind) {
	if m == nil || m.pollProbes == nil {
		return
	}
	m.pollProbes.WithLabelValues(task, string(outcome)).Inc()
}

// RecordRetry records a retried call.
func (m *Metrics) RecordRetry(operation string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}

// RecordNotification records a notification delivery attempt.
func (m *Metrics) RecordNotification(sink string, err error) {
	if m == nil || m.notifications == nil {
		return
	}
	result := "delivered"
	if err != nil {
		result = "failed"
	}
	m.notifications.WithLabelValues(sink, result).Inc()
}

// RecordError records an action error by class.
func (m *Metrics) RecordError(class string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
}

// System Metrics

// SetActiveFlows sets the current number of executing flows.
func (m *Metrics) SetActiveFlows(count float64) {
	if m == nil || m.activeFlows == nil {
		return
	}
	m.activeFlows.Set(count)
}

// SetQueuedFlows sets the current number of flows waiting for a worker.
func (m *Metrics) SetQueuedFlows(count float64) {
	if m == nil || m.queuedFlows == nil {
		return
	}
	m.queuedFlows.Set(count)
}

// SetStalledFlows sets the current number of stalled flows.
func (m *Metrics) SetStalledFlows(count float64) {
	if m == nil || m.stalledFlows == nil {
		return
	}
	m.stalledFlows.Set(count)
}

// Registry returns the Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. The server is
// shut down when ctx is cancelled.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", server.Addr).Msg("metrics server error")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}
