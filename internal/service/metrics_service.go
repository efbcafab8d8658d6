package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for HTTP traffic, the
// catalog cache and the enrollment engine.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheHitRatio   prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter

	enrollmentMutations  *prometheus.CounterVec
	enrollmentDelists    prometheus.Counter
	renewals             *prometheus.CounterVec
	pointerHeals         *prometheus.CounterVec
	notificationFailures *prometheus.CounterVec

	cacheHitCount  uint64
	cacheMissCount uint64
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "catalog_cache_latency_seconds",
		Help:    "Latency for catalog cache lookups",
		Buckets: prometheus.DefBuckets,
	})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "catalog_cache_hit_ratio",
		Help: "Ratio of catalog cache hits to total lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "catalog_cache_hits_total",
		Help: "Total catalog cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "catalog_cache_misses_total",
		Help: "Total catalog cache misses",
	})

	enrollmentMutations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollment_mutations_total",
		Help: "Enrollment rows written, by kind and registration rule",
	}, []string{"kind", "rule"})

	enrollmentDelists := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enrollment_delists_total",
		Help: "Enrollments delisted by course set reconciliation",
	})

	renewals := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "onboarding_renewals_total",
		Help: "Onboarding renewal transitions by outcome",
	}, []string{"outcome"})

	pointerHeals := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollment_pointer_heals_total",
		Help: "Derived row pointers written back onto enrollments",
	}, []string{"pointer"})

	notificationFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_failures_total",
		Help: "Notifications that could not be delivered",
	}, []string{"template"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheHitRatio, cacheHits, cacheMisses,
		enrollmentMutations, enrollmentDelists, renewals, pointerHeals, notificationFailures, goroutines)

	return &MetricsService{
		registry:             registry,
		handler:              promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:      requestDuration,
		requestTotal:         requestTotal,
		cacheLatency:         cacheLatency,
		cacheHitRatio:        cacheHitRatio,
		cacheHits:            cacheHits,
		cacheMisses:          cacheMisses,
		enrollmentMutations:  enrollmentMutations,
		enrollmentDelists:    enrollmentDelists,
		renewals:             renewals,
		pointerHeals:         pointerHeals,
		notificationFailures: notificationFailures,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry returns the underlying registry.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordCacheOperation records cache hit/miss metrics and updates hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	total := hits + atomic.LoadUint64(&m.cacheMissCount)
	if total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// RecordEnrollmentMutation counts an enrollment write. kind is created, updated or certified.
func (m *MetricsService) RecordEnrollmentMutation(kind string, rule RegistrationRule) {
	if m == nil {
		return
	}
	m.enrollmentMutations.WithLabelValues(kind, rule.String()).Inc()
}

// RecordDelist counts delisted enrollments.
func (m *MetricsService) RecordDelist(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.enrollmentDelists.Add(float64(n))
}

// RecordRenewal counts renewal transitions: triggered, completed or invalid_state.
func (m *MetricsService) RecordRenewal(outcome string) {
	if m == nil {
		return
	}
	m.renewals.WithLabelValues(outcome).Inc()
}

// RecordPointerHeal counts a derived pointer written back onto an enrollment.
func (m *MetricsService) RecordPointerHeal(pointer string) {
	if m == nil {
		return
	}
	m.pointerHeals.WithLabelValues(pointer).Inc()
}

// RecordNotificationFailure counts an undelivered notification.
func (m *MetricsService) RecordNotificationFailure(template string) {
	if m == nil {
		return
	}
	m.notificationFailures.WithLabelValues(template).Inc()
}
