package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	engineDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Engine metrics
	InstancesStartedTotal   *prometheus.CounterVec
	InstancesFinishedTotal  *prometheus.CounterVec
	TasksCompletedTotal     *prometheus.CounterVec
	TasksSkippedTotal       *prometheus.CounterVec
	TaskAssignmentsTotal    *prometheus.CounterVec
	SLABreachesTotal        prometheus.Counter
	EngineOperationDuration *prometheus.HistogramVec
	ActiveInstances         *prometheus.GaugeVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		InstancesStartedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_instances_started_total",
			Help: "Total number of workflow instances started.",
		}, []string{"workflow_code"}),
		InstancesFinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_instances_finished_total",
			Help: "Total number of workflow instances reaching a terminal status.",
		}, []string{"workflow_code", "final_status"}),
		TasksCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_tasks_completed_total",
			Help: "Total number of tasks completed.",
		}, []string{"workflow_code"}),
		TasksSkippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_tasks_skipped_total",
			Help: "Total number of tasks skipped.",
		}, []string{"workflow_code"}),
		TaskAssignmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_task_assignments_total",
			Help: "Total number of automatic assignment resolutions.",
		}, []string{"rule", "outcome"}),
		SLABreachesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_sla_breaches_total",
			Help: "Total number of tasks marked as SLA breached.",
		}),
		EngineOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_engine_operation_duration_seconds",
			Help:    "Engine operation duration in seconds.",
			Buckets: engineDurationBuckets,
		}, []string{"operation"}),
		ActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "caseflow_active_instances",
			Help: "Number of in-progress workflow instances.",
		}, []string{"workflow_code"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.InstancesStartedTotal,
		m.InstancesFinishedTotal,
		m.TasksCompletedTotal,
		m.TasksSkippedTotal,
		m.TaskAssignmentsTotal,
		m.SLABreachesTotal,
		m.EngineOperationDuration,
		m.ActiveInstances,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordInstanceStart records an instance start.
func (m *Metrics) RecordInstanceStart(workflowCode string) {
	m.InstancesStartedTotal.WithLabelValues(workflowCode).Inc()
	m.ActiveInstances.WithLabelValues(workflowCode).Inc()
}

// RecordInstanceFinish records an instance reaching a terminal status.
func (m *Metrics) RecordInstanceFinish(workflowCode, finalStatus string) {
	m.InstancesFinishedTotal.WithLabelValues(workflowCode, finalStatus).Inc()
	m.ActiveInstances.WithLabelValues(workflowCode).Dec()
}

// RecordTaskCompletion records a task completion.
func (m *Metrics) RecordTaskCompletion(workflowCode string) {
	m.TasksCompletedTotal.WithLabelValues(workflowCode).Inc()
}

// RecordTaskSkip records a task skip.
func (m *Metrics) RecordTaskSkip(workflowCode string) {
	m.TasksSkippedTotal.WithLabelValues(workflowCode).Inc()
}

// RecordAssignment records an automatic assignment resolution outcome.
// Outcome is "assigned" or "unassigned".
func (m *Metrics) RecordAssignment(rule, outcome string) {
	m.TaskAssignmentsTotal.WithLabelValues(rule, outcome).Inc()
}

// RecordSLABreaches records newly detected SLA breaches.
func (m *Metrics) RecordSLABreaches(count int) {
	m.SLABreachesTotal.Add(float64(count))
}

// RecordEngineOperation records the duration of one engine operation.
func (m *Metrics) RecordEngineOperation(operation string, duration time.Duration) {
	m.EngineOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics
// using chi's route pattern (not the actual URL path) to avoid label
// cardinality explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status code.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
