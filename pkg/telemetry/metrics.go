package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for experiment controllers.
// All recording methods are safe on a nil or disabled receiver.
type Metrics struct {
	config MetricsConfig

	// Task metrics
	tasksScheduled   *prometheus.CounterVec
	tasksExecuted    *prometheus.CounterVec
	tasksRescheduled *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	taskLateness     prometheus.Histogram
	queueDepth       prometheus.Gauge
	busyWorkers      prometheus.Gauge

	// Resource metrics
	resourceTransitions *prometheus.CounterVec
	resourcesByState    *prometheus.GaugeVec

	// Experiment metrics
	experimentsStarted  prometheus.Counter
	experimentsFinished *prometheus.CounterVec
	experimentDuration  prometheus.Histogram

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		tasksScheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_scheduled_total",
				Help:      "Total number of tasks scheduled",
			},
			[]string{"task"},
		),
		tasksExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_executed_total",
				Help:      "Total number of tasks executed",
			},
			[]string{"task", "status"},
		),
		tasksRescheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_rescheduled_total",
				Help:      "Total number of operations rescheduled because a pre-condition was unmet",
			},
			[]string{"action"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of task execution in seconds",
				Buckets:   buckets,
			},
			[]string{"task"},
		),
		taskLateness: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_lateness_seconds",
				Help:      "Delay between a task deadline and the start of its execution",
				Buckets:   buckets,
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "task_queue_depth",
				Help:      "Current number of pending tasks",
			},
		),
		busyWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "busy_workers",
				Help:      "Current number of workers running a task",
			},
		),
		resourceTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_transitions_total",
				Help:      "Total number of resource state transitions",
			},
			[]string{"type", "state"},
		),
		resourcesByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources",
				Help:      "Current number of resources per type and state",
			},
			[]string{"type", "state"},
		),
		experimentsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "experiments_started_total",
				Help:      "Total number of experiment controllers started",
			},
		),
		experimentsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "experiments_finished_total",
				Help:      "Total number of experiment controllers that left RUNNING",
			},
			[]string{"state"},
		),
		experimentDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "experiment_duration_seconds",
				Help:      "Time an experiment controller spent RUNNING",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of task errors by error class",
			},
			[]string{"class", "code"},
		),
	}

	registry.MustRegister(
		m.tasksScheduled,
		m.tasksExecuted,
		m.tasksRescheduled,
		m.taskDuration,
		m.taskLateness,
		m.queueDepth,
		m.busyWorkers,
		m.resourceTransitions,
		m.resourcesByState,
		m.experimentsStarted,
		m.experimentsFinished,
		m.experimentDuration,
		m.errorsByClass,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Task Metrics

// RecordTaskScheduled counts a newly scheduled task.
func (m *Metrics) RecordTaskScheduled(task string) {
	if !m.enabled() {
		return
	}
	m.tasksScheduled.WithLabelValues(task).Inc()
}

// RecordTaskExecuted records a finished task with its lateness and duration.
func (m *Metrics) RecordTaskExecuted(task, status string, lateness, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.tasksExecuted.WithLabelValues(task, status).Inc()
	m.taskDuration.WithLabelValues(task).Observe(duration.Seconds())
	if lateness > 0 {
		m.taskLateness.Observe(lateness.Seconds())
	} else {
		m.taskLateness.Observe(0)
	}
}

// RecordReschedule counts an operation deferred because its pre-condition was unmet.
func (m *Metrics) RecordReschedule(action string) {
	if !m.enabled() {
		return
	}
	m.tasksRescheduled.WithLabelValues(action).Inc()
}

// SetQueueDepth sets the current number of pending tasks.
func (m *Metrics) SetQueueDepth(depth int) {
	if !m.enabled() {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// WorkerBusy adjusts the busy worker gauge by delta.
func (m *Metrics) WorkerBusy(delta int) {
	if !m.enabled() {
		return
	}
	m.busyWorkers.Add(float64(delta))
}

// Resource Metrics

// RecordTransition records a resource moving from one state to another.
// An empty from state means the resource was just registered.
func (m *Metrics) RecordTransition(rtype, from, to string) {
	if !m.enabled() {
		return
	}
	m.resourceTransitions.WithLabelValues(rtype, to).Inc()
	if from != "" {
		m.resourcesByState.WithLabelValues(rtype, from).Dec()
	}
	m.resourcesByState.WithLabelValues(rtype, to).Inc()
}

// Experiment Metrics

// RecordExperimentStarted counts a new experiment controller.
func (m *Metrics) RecordExperimentStarted() {
	if !m.enabled() {
		return
	}
	m.experimentsStarted.Inc()
}

// RecordExperimentFinished records an experiment controller leaving RUNNING.
func (m *Metrics) RecordExperimentFinished(state string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.experimentsFinished.WithLabelValues(state).Inc()
	m.experimentDuration.Observe(duration.Seconds())
}

// Error Metrics

// RecordError records a task error by class and code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass, errorCode).Inc()
}

// Registry returns the underlying registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer(logger *Logger) error {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()

	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	if err := m.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop metrics server: %w", err)
	}
	return nil
}
