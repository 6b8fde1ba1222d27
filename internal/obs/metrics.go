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

// HTTP metrics
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

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "soauth_ready",
		Help: "1 when the store answered the last readiness probe.",
	})
)

// Session lifecycle metrics
var (
	exchangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soauth_exchanges_total",
			Help: "Refresh exchanges by result.",
		},
		[]string{"result"},
	)

	reuseDetections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "soauth_reuse_detections_total",
		Help: "Refresh secrets presented after they were rotated or revoked.",
	})

	sessionsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soauth_sessions_issued_total",
			Help: "Refresh sessions created at login, API key creation or rotation.",
		},
		[]string{"kind"},
	)

	reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soauth_membership_reconciliations_total",
			Help: "Membership reconciliation runs by outcome.",
		},
		[]string{"outcome"},
	)

	oracleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "soauth_oracle_request_duration_seconds",
			Help:    "Latency of membership oracle queries.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"result"},
	)
)

var initOnce sync.Once

// Init registers the collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
			exchangesTotal, reuseDetections, sessionsIssued, reconciliations, oracleDuration,
		)
	})
}

// Handler exposes the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the latest readiness probe.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// ObserveExchange counts a refresh exchange outcome ("ok", "reuse", "expired", "invalid", "error").
func ObserveExchange(result string) {
	exchangesTotal.WithLabelValues(result).Inc()
	if result == "reuse" {
		reuseDetections.Inc()
	}
}

// ObserveSessionIssued counts a created refresh session by kind.
func ObserveSessionIssued(kind string) {
	sessionsIssued.WithLabelValues(kind).Inc()
}

// ObserveReconcile counts a reconciliation run ("applied", "unchanged", "degraded", "error").
func ObserveReconcile(outcome string) {
	reconciliations.WithLabelValues(outcome).Inc()
}

// ObserveOracle records the latency of one oracle call.
func ObserveOracle(result string, d time.Duration) {
	oracleDuration.WithLabelValues(result).Observe(d.Seconds())
}

// Instrument records request counts, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.Method
		path := CanonicalPath(r.URL.Path)

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifier segments so label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" || p == "/" {
		return "/"
	}
	segments := strings.Split(strings.Trim(p, "/"), "/")
	for i, seg := range segments {
		if looksLikeID(seg) {
			segments[i] = ":id"
		}
	}
	return "/" + strings.Join(segments, "/")
}

// looksLikeID matches UUIDs (36 chars with dashes) and ULIDs (26 chars).
func looksLikeID(seg string) bool {
	switch len(seg) {
	case 36:
		return seg[8] == '-' && seg[13] == '-' && seg[18] == '-' && seg[23] == '-'
	case 26:
		for _, c := range seg {
			if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'Z') {
				return false
			}
		}
		return true
	}
	return false
}

// statusWriter captures the response status code.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
