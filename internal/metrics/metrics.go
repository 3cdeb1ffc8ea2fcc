package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ResultOK labels a successful engine action.
const ResultOK = "OK"

// Label values for request input that is not one of the known values.
const (
	ActionInvalid = "INVALID"
	RouteOther    = "other"
)

var knownActions = map[string]bool{"APPROVE": true, "REJECT": true, "CANCEL": true}

// ActionLabel bounds the action label to the known actions.
func ActionLabel(action string) string {
	if knownActions[action] {
		return action
	}
	return ActionInvalid
}

// Engine metrics
var (
	// SubmittedTotal counts created approval requests.
	SubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approvals_submitted_total",
			Help: "Approval requests submitted",
		},
		[]string{"task_type"},
	)

	// ActionsTotal counts Process and Cancel calls by outcome. result is OK or
	// the stable error code.
	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approvals_actions_total",
			Help: "Approval actions by outcome",
		},
		[]string{"action", "result"},
	)

	// ConflictsTotal counts optimistic concurrency losses.
	ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approvals_conflicts_total",
			Help: "Writes rejected because the request changed since it was read",
		},
		[]string{"operation"},
	)

	// CompletedTotal counts requests reaching a terminal status.
	CompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approvals_completed_total",
			Help: "Approval requests reaching a terminal status",
		},
		[]string{"status"},
	)

	// CycleSeconds observes requestedAt to completedAt.
	CycleSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "approvals_cycle_seconds",
			Help:    "Time from submission to terminal status",
			Buckets: []float64{60, 600, 3600, 4 * 3600, 24 * 3600, 3 * 24 * 3600, 7 * 24 * 3600, 30 * 24 * 3600},
		},
	)

	// StoreReadRetriesTotal counts retried transient store read failures.
	StoreReadRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "approvals_store_read_retries_total",
			Help: "Store reads retried after a transient failure",
		},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approvals_http_requests_total",
			Help: "HTTP requests served",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "approvals_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// RecordCompletion records a request reaching a terminal status.
func RecordCompletion(status string, cycle time.Duration) {
	CompletedTotal.WithLabelValues(status).Inc()
	if cycle >= 0 {
		CycleSeconds.Observe(cycle.Seconds())
	}
}

var knownMethods = map[string]bool{
	http.MethodGet: true, http.MethodHead: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true, http.MethodOptions: true,
}

// Middleware records request count and latency for every route except
// /metrics. Requests are labelled with the pattern routes matched them to, so
// unknown paths share the "other" series.
func Middleware(routes *http.ServeMux) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			route := RouteOther
			if _, pattern := routes.Handler(r); pattern != "" {
				route = pattern
			}
			method := r.Method
			if !knownMethods[method] {
				method = RouteOther
			}

			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(sw.status)).Inc()
			HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
