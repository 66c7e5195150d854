// Package metrics provides Prometheus metrics for the ingestion server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Lock acquisition outcomes.
const (
	LockAcquired  = "acquired"
	LockTimedOut  = "timeout"
	LockCancelled = "cancelled"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docingest_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docingest_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Lock coordinator
	lockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docingest_lock_acquire_total",
			Help: "Lock acquisition attempts by outcome",
		},
		[]string{"outcome"},
	)

	lockWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docingest_lock_wait_duration_seconds",
			Help:    "Time spent waiting for the processing lock",
			Buckets: []float64{0, 0.2, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)

	lockStoreErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docingest_lock_store_errors_total",
			Help: "Transient lock store errors absorbed while waiting",
		},
	)

	locksHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docingest_locks_held",
			Help: "Processing locks currently held by this instance",
		},
	)

	// Ingestion
	ingestRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docingest_ingest_requests_total",
			Help: "Ingestion requests by outcome",
		},
		[]string{"outcome"},
	)

	documentsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docingest_documents_created_total",
			Help: "Documents committed by ingestion",
		},
	)

	// Storage
	storageWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docingest_storage_writes_total",
			Help: "Content writes by backend and status",
		},
		[]string{"backend", "status"},
	)

	storageBytesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docingest_storage_bytes_written_total",
			Help: "Content bytes written by backend",
		},
		[]string{"backend"},
	)

	storageWriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docingest_storage_write_duration_seconds",
			Help:    "Content write duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency keyed by the matched route
// template, so path parameters do not explode label cardinality.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if status < http.StatusBadRequest {
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			RecordHTTPRequest(c.Request().Method, route, status, time.Since(start))
			return err
		}
	}
}

func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordLockAcquire records the end of one acquisition attempt.
func RecordLockAcquire(outcome string, waited time.Duration) {
	lockAcquireTotal.WithLabelValues(outcome).Inc()
	lockWaitDuration.WithLabelValues(outcome).Observe(waited.Seconds())
	if outcome == LockAcquired {
		locksHeld.Inc()
	}
}

func RecordLockRelease() {
	locksHeld.Dec()
}

func RecordLockStoreError() {
	lockStoreErrorsTotal.Inc()
}

// RecordIngest records one ingestion request and the documents it committed,
// including those committed before a failure.
func RecordIngest(outcome string, documents int) {
	ingestRequestsTotal.WithLabelValues(outcome).Inc()
	documentsCreatedTotal.Add(float64(documents))
}

func RecordStorageWrite(backend string, bytes int, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	} else {
		storageBytesWritten.WithLabelValues(backend).Add(float64(bytes))
	}
	storageWritesTotal.WithLabelValues(backend, status).Inc()
	storageWriteDuration.WithLabelValues(backend).Observe(duration.Seconds())
}
