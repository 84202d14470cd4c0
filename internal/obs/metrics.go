package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_decisions_total",
			Help: "Access decisions by action and outcome.",
		},
		[]string{"action", "status"},
	)

	auditFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authcore_audit_failures_total",
		Help: "Audit entries that failed to persist.",
	})

	sessionEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authcore_session_evictions_total",
		Help: "Live sessions dropped because max_sessions was reached.",
	})

	initOnce sync.Once
)

// Init registers metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			decisionsTotal, auditFailuresTotal, sessionEvictionsTotal,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordDecision counts one audited decision.
func RecordDecision(action, status string) {
	decisionsTotal.WithLabelValues(action, status).Inc()
}

// RecordAuditFailure counts an audit write that did not persist.
func RecordAuditFailure() {
	auditFailuresTotal.Inc()
}

// RecordSessionEviction counts a live session dropped at capacity.
func RecordSessionEviction() {
	sessionEvictionsTotal.Inc()
}

// Instrument records in-flight requests, totals and latency per canonical path.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses identifier segments so metric cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	switch {
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "systems" && parts[3] == "authorize":
		return "/v1/systems/:system/authorize"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "grants":
		return "/v1/grants/:user/:system"
	}
	return p
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
