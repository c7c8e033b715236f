package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/syncmesh/syncmesh/internal/config"
)

// Manager defines the interface for metrics management
type Manager interface {
	// HTTP Metrics
	RecordHTTPRequest(method, path, status string, duration time.Duration)
	RecordHTTPRequestSize(method, path string, size int64)

	// Broker Metrics
	RecordPublish(method string, success bool, duration time.Duration)
	RecordFanOut(deliveries int)
	RecordFetch(hit bool)
	RecordResolution(outcome string)
	RecordReseed(inserted int)

	// Background Task Metrics
	RecordBackgroundTask(taskType string, duration time.Duration, success bool)

	// Export and Health
	GetMetricsHandler() http.Handler
	IsHealthy() bool

	// HTTP Middleware
	Middleware() func(http.Handler) http.Handler

	// Lifecycle
	Start(ctx context.Context) error
	Stop() error
}

// metricsManager implements the Manager interface using Prometheus
type metricsManager struct {
	// Configuration
	config MetricsConfig

	// Prometheus registry and metrics
	registry *prometheus.Registry

	// HTTP Metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec

	// Broker Metrics
	publishesTotal        *prometheus.CounterVec
	publishDuration       *prometheus.HistogramVec
	fanOutDeliveriesTotal prometheus.Counter
	fetchesTotal          *prometheus.CounterVec
	resolutionsTotal      *prometheus.CounterVec
	reseedsTotal          prometheus.Counter
	reseedMessagesTotal   prometheus.Counter

	// Background Task Metrics
	backgroundTasksTotal   *prometheus.CounterVec
	backgroundTaskDuration *prometheus.HistogramVec

	// Lifecycle
	started bool
	mu      sync.RWMutex
}

// MetricsConfig holds configuration for the metrics system
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Path      string `json:"path"`
	Namespace string `json:"namespace"`
}

// NewManager creates a new metrics manager
func NewManager(cfg config.MetricsConfig) Manager {
	metricsConfig := MetricsConfig{
		Enabled:   cfg.Enable,
		Path:      cfg.Path,
		Namespace: "syncmesh",
	}

	if !metricsConfig.Enabled {
		return &noopManager{}
	}

	if metricsConfig.Path == "" {
		metricsConfig.Path = "/metrics"
	}

	registry := prometheus.NewRegistry()

	manager := &metricsManager{
		config:   metricsConfig,
		registry: registry,
	}

	manager.initializeMetrics()
	return manager
}

// initializeMetrics sets up all Prometheus metrics
func (m *metricsManager) initializeMetrics() {
	namespace := m.config.Namespace

	// HTTP Metrics
	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	m.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	m.httpRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8), // 64B to 1MB
		},
		[]string{"method", "path"},
	)

	// Broker Metrics
	m.publishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "publishes_total",
			Help:      "Total number of published changes",
		},
		[]string{"method", "status"},
	)

	m.publishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "publish_duration_seconds",
			Help:      "Publish duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.fanOutDeliveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "fan_out_deliveries_total",
			Help:      "Total number of messages queued by fan-out",
		},
	)

	m.fetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "fetches_total",
			Help:      "Total number of fetch attempts",
		},
		[]string{"result"},
	)

	m.resolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "resolutions_total",
			Help:      "Total number of delivery resolutions",
		},
		[]string{"outcome"},
	)

	m.reseedsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "reseeds_total",
			Help:      "Total number of node reseed runs",
		},
	)

	m.reseedMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "reseed_messages_total",
			Help:      "Total number of messages inserted by reseeds",
		},
	)

	// Background Task Metrics
	m.backgroundTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "background",
			Name:      "tasks_total",
			Help:      "Total background tasks executed",
		},
		[]string{"task_type", "status"},
	)

	m.backgroundTaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "background",
			Name:      "task_duration_seconds",
			Help:      "Background task duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"task_type"},
	)

	// Register all metrics
	m.registerMetrics()
}

// registerMetrics registers all metrics with the Prometheus registry
func (m *metricsManager) registerMetrics() {
	metrics := []prometheus.Collector{
		// HTTP
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.httpRequestSize,

		// Broker
		m.publishesTotal,
		m.publishDuration,
		m.fanOutDeliveriesTotal,
		m.fetchesTotal,
		m.resolutionsTotal,
		m.reseedsTotal,
		m.reseedMessagesTotal,

		// Background
		m.backgroundTasksTotal,
		m.backgroundTaskDuration,
	}

	for _, metric := range metrics {
		m.registry.MustRegister(metric)
	}
}

// HTTP Metrics Implementation

func (m *metricsManager) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (m *metricsManager) RecordHTTPRequestSize(method, path string, size int64) {
	m.httpRequestSize.WithLabelValues(method, path).Observe(float64(size))
}

// Broker Metrics Implementation

func (m *metricsManager) RecordPublish(method string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.publishesTotal.WithLabelValues(method, status).Inc()
	m.publishDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func (m *metricsManager) RecordFanOut(deliveries int) {
	if deliveries > 0 {
		m.fanOutDeliveriesTotal.Add(float64(deliveries))
	}
}

func (m *metricsManager) RecordFetch(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	m.fetchesTotal.WithLabelValues(result).Inc()
}

func (m *metricsManager) RecordResolution(outcome string) {
	m.resolutionsTotal.WithLabelValues(outcome).Inc()
}

func (m *metricsManager) RecordReseed(inserted int) {
	m.reseedsTotal.Inc()
	if inserted > 0 {
		m.reseedMessagesTotal.Add(float64(inserted))
	}
}

// Background Task Metrics Implementation

func (m *metricsManager) RecordBackgroundTask(taskType string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.backgroundTasksTotal.WithLabelValues(taskType, status).Inc()
	m.backgroundTaskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

// Export and Health Implementation

func (m *metricsManager) GetMetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsManager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.started
}

// HTTP Middleware Implementation

func (m *metricsManager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Create response writer wrapper to capture status code
			wrapped := &responseWriterWrapper{
				ResponseWriter: w,
				statusCode:     200,
			}

			// Process request
			next.ServeHTTP(wrapped, r)

			// Record metrics
			duration := time.Since(start)
			m.RecordHTTPRequest(r.Method, r.URL.Path, fmt.Sprintf("%d", wrapped.statusCode), duration)

			if r.ContentLength > 0 {
				m.RecordHTTPRequestSize(r.Method, r.URL.Path, r.ContentLength)
			}
		})
	}
}

// Lifecycle Implementation

func (m *metricsManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("metrics manager already started")
	}

	m.started = true
	return nil
}

func (m *metricsManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return fmt.Errorf("metrics manager not started")
	}

	m.started = false
	return nil
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// noopManager is a no-op implementation when metrics are disabled
type noopManager struct{}

func (n *noopManager) RecordHTTPRequest(method, path, status string, duration time.Duration) {}
func (n *noopManager) RecordHTTPRequestSize(method, path string, size int64)                {}
func (n *noopManager) RecordPublish(method string, success bool, duration time.Duration)    {}
func (n *noopManager) RecordFanOut(deliveries int)                                          {}
func (n *noopManager) RecordFetch(hit bool)                                                 {}
func (n *noopManager) RecordResolution(outcome string)                                      {}
func (n *noopManager) RecordReseed(inserted int)                                            {}
func (n *noopManager) RecordBackgroundTask(taskType string, duration time.Duration, success bool) {
}
func (n *noopManager) GetMetricsHandler() http.Handler { return http.NotFoundHandler() }
func (n *noopManager) IsHealthy() bool                 { return true }
func (n *noopManager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler { return next }
}
func (n *noopManager) Start(ctx context.Context) error { return nil }
func (n *noopManager) Stop() error                     { return nil }
