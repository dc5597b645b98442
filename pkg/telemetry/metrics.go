package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for a BiasFlow run. A nil *Metrics is
// a valid no-op collector, so callers never have to guard their
// instrumentation sites.
type Metrics struct {
	config MetricsConfig

	// Step metrics
	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec

	// Per-phase breakdown of the step protocol
	phaseDuration *prometheus.HistogramVec

	// Bias and activation state
	biasEnergy    prometheus.Gauge
	activeActions prometheus.Gauge

	// Action metrics
	actionCalculations *prometheus.CounterVec

	// Extension metrics
	extensionCalls    *prometheus.CounterVec
	extensionDuration *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

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

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Total number of MD steps processed",
			},
			[]string{"active"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of a full step (calculate plus apply) in seconds",
				Buckets:   buckets,
			},
			[]string{"active"},
		),

		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of one protocol phase (prepare, share, calculate, apply)",
				Buckets:   buckets,
			},
			[]string{"phase"},
		),

		biasEnergy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "bias_energy",
				Help:      "Bias energy accumulated on the most recent step",
			},
		),
		activeActions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_actions",
				Help:      "Number of actions active on the most recent step",
			},
		),

		actionCalculations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "action_calculations_total",
				Help:      "Total number of action calculate invocations",
			},
			[]string{"keyword", "status"},
		),

		extensionCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "extension_calls_total",
				Help:      "Total number of calls into extension modules",
			},
			[]string{"backend", "keyword"},
		),
		extensionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "extension_call_duration_seconds",
				Help:      "Duration of extension module calls in seconds",
				Buckets:   buckets,
			},
			[]string{"backend", "keyword"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.stepsTotal,
		m.stepDuration,
		m.phaseDuration,
		m.biasEnergy,
		m.activeActions,
		m.actionCalculations,
		m.extensionCalls,
		m.extensionDuration,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// ObserveStep records a processed step and its duration. The active label
// separates pass-through steps from steps that ran actions.
func (m *Metrics) ObserveStep(active bool, duration time.Duration) {
	if m == nil || m.stepsTotal == nil {
		return
	}
	label := "false"
	if active {
		label = "true"
	}
	m.stepsTotal.WithLabelValues(label).Inc()
	m.stepDuration.WithLabelValues(label).Observe(duration.Seconds())
}

// ObservePhase records the duration of one protocol phase.
func (m *Metrics) ObservePhase(phase string, duration time.Duration) {
	if m == nil || m.phaseDuration == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// SetBias records the bias energy of the most recent step.
func (m *Metrics) SetBias(v float64) {
	if m == nil || m.biasEnergy == nil {
		return
	}
	m.biasEnergy.Set(v)
}

// SetActiveActions records how many actions were active on the most recent
// step.
func (m *Metrics) SetActiveActions(n int) {
	if m == nil || m.activeActions == nil {
		return
	}
	m.activeActions.Set(float64(n))
}

// CountCalculation records one action calculate invocation and its outcome.
func (m *Metrics) CountCalculation(keyword, status string) {
	if m == nil || m.actionCalculations == nil {
		return
	}
	m.actionCalculations.WithLabelValues(keyword, status).Inc()
}

// ObserveExtensionCall records a call into an extension module.
func (m *Metrics) ObserveExtensionCall(backend, keyword string, duration time.Duration) {
	if m == nil || m.extensionCalls == nil {
		return
	}
	m.extensionCalls.WithLabelValues(backend, keyword).Inc()
	m.extensionDuration.WithLabelValues(backend, keyword).Observe(duration.Seconds())
}

// CountError records an error by class and optionally by code.
func (m *Metrics) CountError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
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

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if m == nil || !m.config.Enabled {
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
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
