package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for plan execution.
type Metrics struct {
	config MetricsConfig

	// Plan metrics
	plansStarted   *prometheus.CounterVec
	plansCompleted *prometheus.CounterVec
	activePlans    prometheus.Gauge

	// Item metrics
	itemsProcessed *prometheus.CounterVec
	itemDuration   *prometheus.HistogramVec

	// Service metrics
	serviceCalls    *prometheus.CounterVec
	serviceDuration *prometheus.HistogramVec
	serviceErrors   *prometheus.CounterVec

	// Wait metrics
	waits         *prometheus.CounterVec
	notifications *prometheus.CounterVec
	waitingPlans  prometheus.Gauge

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
	}

	m := &Metrics{
		config:   cfg,
		registry: registry,

		plansStarted:   counter("plans_started_total", "Total number of plan runs started", "type"),
		plansCompleted: counter("plans_completed_total", "Total number of plan runs ended, by outcome", "type", "outcome"),
		activePlans:    gauge("active_plans", "Current number of plans with a live task"),

		itemsProcessed: counter("items_processed_total", "Total number of objects processed, by final status", "status"),
		itemDuration:   histogram("item_duration_seconds", "Duration of processing one object in seconds", "status"),

		serviceCalls:    counter("service_calls_total", "Total number of migration service invocations", "service"),
		serviceDuration: histogram("service_call_duration_seconds", "Duration of migration service invocations in seconds", "service"),
		serviceErrors:   counter("service_errors_total", "Total number of failed migration service invocations", "service"),

		waits:         counter("waits_total", "Total number of waits registered, by what is awaited", "reason"),
		notifications: counter("notifications_total", "Total number of availability notifications, by effect", "result"),
		waitingPlans:  gauge("waiting_plans", "Current number of plans in the wait registry"),

		errorsByClass: counter("errors_by_class_total", "Total number of errors by error class", "class"),
		errorsByCode:  counter("errors_by_code_total", "Total number of errors by error code", "code"),
	}

	registry.MustRegister(
		m.plansStarted,
		m.plansCompleted,
		m.activePlans,
		m.itemsProcessed,
		m.itemDuration,
		m.serviceCalls,
		m.serviceDuration,
		m.serviceErrors,
		m.waits,
		m.notifications,
		m.waitingPlans,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// RecordPlanStarted increments the counter for started plan runs.
func (m *Metrics) RecordPlanStarted(planType string) {
	if m == nil || m.plansStarted == nil {
		return
	}
	m.plansStarted.WithLabelValues(planType).Inc()
}

// RecordPlanCompleted records how a plan run ended.
func (m *Metrics) RecordPlanCompleted(planType, outcome string) {
	if m == nil || m.plansCompleted == nil {
		return
	}
	m.plansCompleted.WithLabelValues(planType, outcome).Inc()
}

// SetActivePlans sets the current number of plans with a live task.
func (m *Metrics) SetActivePlans(count int) {
	if m == nil || m.activePlans == nil {
		return
	}
	m.activePlans.Set(float64(count))
}

// RecordItemProcessed records the processing of one object.
func (m *Metrics) RecordItemProcessed(status string, duration time.Duration) {
	if m == nil || m.itemsProcessed == nil {
		return
	}
	m.itemsProcessed.WithLabelValues(status).Inc()
	m.itemDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordServiceCall records a migration service invocation.
func (m *Metrics) RecordServiceCall(service string, duration time.Duration, err error) {
	if m == nil || m.serviceCalls == nil {
		return
	}
	m.serviceCalls.WithLabelValues(service).Inc()
	m.serviceDuration.WithLabelValues(service).Observe(duration.Seconds())
	if err != nil {
		m.serviceErrors.WithLabelValues(service).Inc()
	}
}

// RecordWait records a registered wait.
func (m *Metrics) RecordWait(reason string) {
	if m == nil || m.waits == nil {
		return
	}
	m.waits.WithLabelValues(reason).Inc()
}

// RecordNotification records the effect of an availability notification.
func (m *Metrics) RecordNotification(result string) {
	if m == nil || m.notifications == nil {
		return
	}
	m.notifications.WithLabelValues(result).Inc()
}

// SetWaitingPlans sets the current number of waiting plans.
func (m *Metrics) SetWaitingPlans(count int) {
	if m == nil || m.waitingPlans == nil {
		return
	}
	m.waitingPlans.Set(float64(count))
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the metrics registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
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
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
