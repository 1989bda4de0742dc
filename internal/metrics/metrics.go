package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "multisig_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "multisig_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "multisig_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	operationsProposed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "multisig_layer",
			Subsystem: "operations",
			Name:      "proposed_total",
			Help:      "Total number of operations proposed.",
		},
		[]string{"operation_type"},
	)

	operationsSigned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "multisig_layer",
			Subsystem: "operations",
			Name:      "signatures_total",
			Help:      "Total number of signatures appended to operations.",
		},
		[]string{"operation_type"},
	)

	operationsTerminal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "multisig_layer",
			Subsystem: "operations",
			Name:      "terminal_total",
			Help:      "Operations that reached a terminal state.",
		},
		[]string{"operation_type", "state"},
	)

	sweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "multisig_layer",
			Subsystem: "sweeper",
			Name:      "runs_total",
			Help:      "Total number of expiry sweep runs.",
		},
		[]string{"success"},
	)

	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "multisig_layer",
			Subsystem: "sweeper",
			Name:      "run_duration_seconds",
			Help:      "Duration of expiry sweep runs.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		operationsProposed,
		operationsSigned,
		operationsTerminal,
		sweepRuns,
		sweepDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordOperationProposed counts one proposal.
func RecordOperationProposed(opType string) {
	operationsProposed.WithLabelValues(opType).Inc()
}

// RecordOperationSigned counts one appended signature.
func RecordOperationSigned(opType string) {
	operationsSigned.WithLabelValues(opType).Inc()
}

// RecordOperationTerminal counts one terminal transition.
func RecordOperationTerminal(opType, state string) {
	operationsTerminal.WithLabelValues(opType, state).Inc()
}

// RecordSweep records metrics for one expiry sweep run.
func RecordSweep(duration time.Duration, success bool) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	result := "false"
	if success {
		result = "true"
	}
	sweepRuns.WithLabelValues(result).Inc()
	sweepDuration.Observe(duration.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] == "v1" {
		parts = parts[1:]
	}
	if len(parts) == 0 {
		return "/"
	}
	switch parts[0] {
	case "accounts":
		if len(parts) == 1 {
			return "/v1/accounts"
		}
		if len(parts) == 2 {
			return "/v1/accounts/:account"
		}
		return "/v1/accounts/:account/" + parts[2]
	case "operations":
		if len(parts) == 1 {
			return "/v1/operations"
		}
		if len(parts) == 2 {
			return "/v1/operations/:operation"
		}
		return "/v1/operations/:operation/" + parts[2]
	default:
		return "/" + parts[0]
	}
}
