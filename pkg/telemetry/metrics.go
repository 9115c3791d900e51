package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the moor runner.
type Metrics struct {
	config MetricsConfig

	// Verb metrics
	verbsStarted   *prometheus.CounterVec
	verbsCompleted *prometheus.CounterVec
	verbDuration   *prometheus.HistogramVec

	// Lifecycle metrics
	adoptions      *prometheus.CounterVec
	updatesSkipped *prometheus.CounterVec
	readinessPolls *prometheus.CounterVec

	// Entity metrics
	entitiesManaged *prometheus.GaugeVec
	entityReady     *prometheus.GaugeVec

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	// Error metrics
	errorsByKind *prometheus.CounterVec
	errorsByCode *prometheus.CounterVec

	// System metrics
	activeVerbs     prometheus.Gauge
	watchQueueDepth prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Verb metrics
		verbsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verbs_started_total",
				Help:      "Total number of lifecycle verbs started",
			},
			[]string{"verb", "entity_type"},
		),
		verbsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verbs_completed_total",
				Help:      "Total number of lifecycle verbs completed",
			},
			[]string{"verb", "entity_type", "status"},
		),
		verbDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "verb_duration_seconds",
				Help:      "Duration of lifecycle verb execution in seconds",
				Buckets:   buckets,
			},
			[]string{"verb", "entity_type"},
		),

		// Lifecycle metrics
		adoptions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adoptions_total",
				Help:      "Total number of pre-existing resources bound instead of created",
			},
			[]string{"entity_type"},
		),
		updatesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "updates_skipped_total",
				Help:      "Total number of updates skipped by fingerprint match",
			},
			[]string{"entity_type"},
		),
		readinessPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "readiness_polls_total",
				Help:      "Total number of readiness probe evaluations",
			},
			[]string{"entity_type", "outcome"},
		),

		// Entity metrics
		entitiesManaged: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "entities_managed",
				Help:      "Current number of managed entity instances",
			},
			[]string{"type", "status"},
		),
		entityReady: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "entity_ready",
				Help:      "Readiness of entity instances (1=ready, 0=not ready)",
			},
			[]string{"entity", "type"},
		),

		// Provider metrics
		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider API calls",
			},
			[]string{"entity_type", "operation"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of provider API calls in seconds",
				Buckets:   buckets,
			},
			[]string{"entity_type", "operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of provider API errors",
			},
			[]string{"entity_type", "operation"},
		),

		// Error metrics
		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_kind_total",
				Help:      "Total number of errors by classification kind",
			},
			[]string{"kind"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		// System metrics
		activeVerbs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_verbs",
				Help:      "Current number of lifecycle verbs in flight",
			},
		),
		watchQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "watch_queue_depth",
				Help:      "Current number of queued definition files in watch mode",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.verbsStarted,
		m.verbsCompleted,
		m.verbDuration,
		m.adoptions,
		m.updatesSkipped,
		m.readinessPolls,
		m.entitiesManaged,
		m.entityReady,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
		m.errorsByKind,
		m.errorsByCode,
		m.activeVerbs,
		m.watchQueueDepth,
	)

	return m, nil
}

// Verb Metrics

// RecordVerbStarted increments the counter for started verbs.
func (m *Metrics) RecordVerbStarted(verb, entityType string) {
	if m.verbsStarted == nil {
		return
	}
	m.verbsStarted.WithLabelValues(verb, entityType).Inc()
	m.activeVerbs.Inc()
}

// RecordVerbCompleted records a completed verb with its status and duration.
func (m *Metrics) RecordVerbCompleted(verb, entityType, status string, duration time.Duration) {
	if m.verbsCompleted == nil {
		return
	}
	m.verbsCompleted.WithLabelValues(verb, entityType, status).Inc()
	m.verbDuration.WithLabelValues(verb, entityType).Observe(duration.Seconds())
	m.activeVerbs.Dec()
}

// Lifecycle Metrics

// RecordAdoption records create binding a pre-existing resource.
func (m *Metrics) RecordAdoption(entityType string) {
	if m.adoptions == nil {
		return
	}
	m.adoptions.WithLabelValues(entityType).Inc()
}

// RecordUpdateSkipped records an update short-circuited by fingerprint.
func (m *Metrics) RecordUpdateSkipped(entityType string) {
	if m.updatesSkipped == nil {
		return
	}
	m.updatesSkipped.WithLabelValues(entityType).Inc()
}

// RecordReadinessPoll records one readiness probe evaluation.
func (m *Metrics) RecordReadinessPoll(entityType string, ready bool) {
	if m.readinessPolls == nil {
		return
	}
	outcome := "not_ready"
	if ready {
		outcome = "ready"
	}
	m.readinessPolls.WithLabelValues(entityType, outcome).Inc()
}

// Entity Metrics

// SetEntityCount sets the current count of managed entity instances.
func (m *Metrics) SetEntityCount(entityType, status string, count float64) {
	if m.entitiesManaged == nil {
		return
	}
	m.entitiesManaged.WithLabelValues(entityType, status).Set(count)
}

// SetEntityReady sets the readiness of a specific entity instance.
func (m *Metrics) SetEntityReady(entity, entityType string, ready bool) {
	if m.entityReady == nil {
		return
	}
	value := 0.0
	if ready {
		value = 1.0
	}
	m.entityReady.WithLabelValues(entity, entityType).Set(value)
}

// Provider Metrics

// RecordProviderCall records a provider API call with its duration.
func (m *Metrics) RecordProviderCall(entityType, operation string, duration time.Duration) {
	if m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(entityType, operation).Inc()
	m.providerDuration.WithLabelValues(entityType, operation).Observe(duration.Seconds())
}

// RecordProviderError records a provider API error.
func (m *Metrics) RecordProviderError(entityType, operation string) {
	if m.providerErrors == nil {
		return
	}
	m.providerErrors.WithLabelValues(entityType, operation).Inc()
}

// Error Metrics

// RecordError records an error by kind and optionally by code.
func (m *Metrics) RecordError(kind, code string) {
	if m.errorsByKind == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
	if code != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(code).Inc()
	}
}

// System Metrics

// SetActiveVerbs sets the current number of verbs in flight.
func (m *Metrics) SetActiveVerbs(count float64) {
	if m.activeVerbs == nil {
		return
	}
	m.activeVerbs.Set(count)
}

// SetWatchQueueDepth sets the current watch-mode queue depth.
func (m *Metrics) SetWatchQueueDepth(count float64) {
	if m.watchQueueDepth == nil {
		return
	}
	m.watchQueueDepth.Set(count)
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

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
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

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
