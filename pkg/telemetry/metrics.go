package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the workspace manager.
// Every method is safe to call on a disabled instance.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Stage metrics
	stageInvocations *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	stageRetries     *prometheus.CounterVec
	compensations    *prometheus.CounterVec

	// Resource metrics
	claims        *prometheus.CounterVec
	stateChanges  *prometheus.CounterVec
	orphansMarked prometheus.Counter

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	// Policy metrics
	policyConflicts *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeRuns prometheus.Gauge
	queueDepth prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op instance
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

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of runs started",
			},
			[]string{"operation"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs that reached a terminal status",
			},
			[]string{"operation", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of runs from creation to terminal status",
				Buckets:   buckets,
			},
			[]string{"operation", "status"},
		),

		stageInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_invocations_total",
				Help:      "Total number of stage invocations",
			},
			[]string{"operation", "stage", "phase", "outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of stage invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "stage", "phase"},
		),
		stageRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_retries_total",
				Help:      "Total number of stage retries",
			},
			[]string{"operation", "stage"},
		),
		compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compensations_total",
				Help:      "Total number of stage compensations",
			},
			[]string{"operation", "stage", "result"},
		),

		claims: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "claims_total",
				Help:      "Total number of state claims by outcome",
			},
			[]string{"entity", "result"},
		),
		stateChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_changes_total",
				Help:      "Total number of persisted state transitions",
			},
			[]string{"entity", "state"},
		),
		orphansMarked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orphans_marked_total",
				Help:      "Total number of orphaned objects marked broken",
			},
		),

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of cloud provider calls",
			},
			[]string{"platform", "operation"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of cloud provider calls in seconds",
				Buckets:   buckets,
			},
			[]string{"platform", "operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of cloud provider errors",
			},
			[]string{"platform", "operation"},
		),

		policyConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_conflicts_total",
				Help:      "Total number of policy operations rejected by conflicts",
			},
			[]string{"operation"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of run failures by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of run failures by error code",
			},
			[]string{"code"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of runs executing in this process",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_runs",
				Help:      "Current number of runs waiting for a worker",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.stageInvocations,
		m.stageDuration,
		m.stageRetries,
		m.compensations,
		m.claims,
		m.stateChanges,
		m.orphansMarked,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
		m.policyConflicts,
		m.errorsByClass,
		m.errorsByCode,
		m.activeRuns,
		m.queueDepth,
	)

	return m, nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(operation string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(operation).Inc()
}

// RecordRunCompleted records a run reaching a terminal status.
func (m *Metrics) RecordRunCompleted(operation, status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(operation, status).Inc()
	m.runDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
}

// Stage Metrics

// RecordStage records one stage invocation.
func (m *Metrics) RecordStage(operation, stage, phase, outcome string, duration time.Duration) {
	if m.stageInvocations == nil {
		return
	}
	m.stageInvocations.WithLabelValues(operation, stage, phase, outcome).Inc()
	m.stageDuration.WithLabelValues(operation, stage, phase).Observe(duration.Seconds())
}

// RecordStageRetry records a retry scheduled by a stage retry policy.
func (m *Metrics) RecordStageRetry(operation, stage string) {
	if m.stageRetries == nil {
		return
	}
	m.stageRetries.WithLabelValues(operation, stage).Inc()
}

// RecordCompensation records the result of a stage compensation.
func (m *Metrics) RecordCompensation(operation, stage string, ok bool) {
	if m.compensations == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failed"
	}
	m.compensations.WithLabelValues(operation, stage, result).Inc()
}

// Resource Metrics

// RecordClaim records a claim attempt on a workspace, cloud context or resource.
func (m *Metrics) RecordClaim(entity string, won bool) {
	if m.claims == nil {
		return
	}
	result := "won"
	if !won {
		result = "lost"
	}
	m.claims.WithLabelValues(entity, result).Inc()
}

// RecordStateChange records a persisted state transition.
func (m *Metrics) RecordStateChange(entity, state string) {
	if m.stateChanges == nil {
		return
	}
	m.stateChanges.WithLabelValues(entity, state).Inc()
}

// RecordOrphansMarked adds n to the orphan counter.
func (m *Metrics) RecordOrphansMarked(n int) {
	if m.orphansMarked == nil {
		return
	}
	m.orphansMarked.Add(float64(n))
}

// Provider Metrics

// RecordProviderCall records a provider call with its duration.
func (m *Metrics) RecordProviderCall(platform, operation string, duration time.Duration, err error) {
	if m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(platform, operation).Inc()
	m.providerDuration.WithLabelValues(platform, operation).Observe(duration.Seconds())
	if err != nil {
		m.providerErrors.WithLabelValues(platform, operation).Inc()
	}
}

// RecordPolicyConflict records a policy operation rejected by conflicts.
func (m *Metrics) RecordPolicyConflict(operation string) {
	if m.policyConflicts == nil {
		return
	}
	m.policyConflicts.WithLabelValues(operation).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// System Metrics

// SetActiveRuns sets the current number of runs executing in this process.
func (m *Metrics) SetActiveRuns(count float64) {
	if m.activeRuns == nil {
		return
	}
	m.activeRuns.Set(count)
}

// SetQueueDepth sets the current number of queued runs.
func (m *Metrics) SetQueueDepth(count float64) {
	if m.queueDepth == nil {
		return
	}
	m.queueDepth.Set(count)
}

// Registry returns the private registry, or nil when metrics are disabled.
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

// StartMetricsServer serves metrics on the configured listen address until ctx is cancelled.
// It returns immediately when metrics are disabled or no address is configured.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger *Logger) {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return
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
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// Metrics are best effort
			logger.WithError(err).Error("metrics server failed")
		}
	}()
}
