package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the host's Prometheus collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	uptime       prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	sessions         *prometheus.GaugeVec
	stateChanges     *prometheus.CounterVec
	connectDuration  *prometheus.HistogramVec
	capabilities     prometheus.Gauge
	invocations      *prometheus.CounterVec
	invokeDuration   *prometheus.HistogramVec
	accessDenied     *prometheus.CounterVec
	vaultCredentials prometheus.Gauge
	vaultTokens      prometheus.Gauge
	auditWrites      *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.initMetrics()
	m.registerMetrics()
	return m
}

func (m *Metrics) initMetrics() {
	m.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcphost_uptime_seconds",
		Help: "Time since the host started",
	})

	m.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcphost_http_requests_total",
			Help: "Total number of discovery API requests",
		},
		[]string{"method", "path", "status"},
	)
	m.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcphost_http_request_duration_seconds",
			Help:    "Discovery API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	m.sessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcphost_sessions",
			Help: "Number of server sessions by health state",
		},
		[]string{"state"},
	)
	m.stateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcphost_session_state_changes_total",
			Help: "Total number of session health transitions",
		},
		[]string{"server", "from_state", "to_state"},
	)
	m.connectDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcphost_connect_duration_seconds",
			Help:    "Time taken to connect and register a server",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"server", "result"},
	)
	m.capabilities = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcphost_capabilities_total",
		Help: "Number of distinct routable capability names",
	})

	m.invocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcphost_invocations_total",
			Help: "Total number of capability invocations",
		},
		[]string{"server", "capability", "kind", "status"},
	)
	m.invokeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcphost_invocation_duration_seconds",
			Help:    "Capability invocation duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"server", "kind", "status"},
	)
	m.accessDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcphost_access_denied_total",
			Help: "Resource reads rejected by root boundaries",
		},
		[]string{"server"},
	)

	m.vaultCredentials = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcphost_vault_credentials",
		Help: "Number of credentials held in the vault",
	})
	m.vaultTokens = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcphost_vault_tokens",
		Help: "Number of access tokens held in the vault, including tombstones",
	})

	m.auditWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcphost_audit_writes_total",
			Help: "Total number of audit records written",
		},
		[]string{"status"},
	)
}

func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(
		m.uptime,
		m.httpRequests,
		m.httpDuration,
		m.sessions,
		m.stateChanges,
		m.connectDuration,
		m.capabilities,
		m.invocations,
		m.invokeDuration,
		m.accessDenied,
		m.vaultCredentials,
		m.vaultTokens,
		m.auditWrites,
	)

	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry for custom metrics
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetUptime sets the uptime metric
func (m *Metrics) SetUptime(startTime time.Time) {
	m.uptime.Set(time.Since(startTime).Seconds())
}

// RecordHTTPRequest records a discovery API request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// SetSessionCounts replaces the per-state session gauges
func (m *Metrics) SetSessionCounts(counts map[string]int) {
	m.sessions.Reset()
	for state, n := range counts {
		m.sessions.WithLabelValues(state).Set(float64(n))
	}
}

// RecordStateChange records a session health transition
func (m *Metrics) RecordStateChange(server, fromState, toState string) {
	m.stateChanges.WithLabelValues(server, fromState, toState).Inc()
}

// RecordConnect records a registration attempt
func (m *Metrics) RecordConnect(server, result string, duration time.Duration) {
	m.connectDuration.WithLabelValues(server, result).Observe(duration.Seconds())
}

// SetCapabilities sets the number of routable capability names
func (m *Metrics) SetCapabilities(n int) {
	m.capabilities.Set(float64(n))
}

// RecordInvocation records one invocation. status is StatusSuccess or an error kind.
func (m *Metrics) RecordInvocation(server, capability, kind, status string, duration time.Duration) {
	m.invocations.WithLabelValues(server, capability, kind, status).Inc()
	m.invokeDuration.WithLabelValues(server, kind, status).Observe(duration.Seconds())
}

// RecordAccessDenied counts a boundary violation
func (m *Metrics) RecordAccessDenied(server string) {
	m.accessDenied.WithLabelValues(server).Inc()
}

// SetVaultStats sets the vault gauges
func (m *Metrics) SetVaultStats(credentials, tokens int) {
	m.vaultCredentials.Set(float64(credentials))
	m.vaultTokens.Set(float64(tokens))
}

// RecordAuditWrite counts an audit write
func (m *Metrics) RecordAuditWrite(err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.auditWrites.WithLabelValues(status).Inc()
}

// HTTPMiddleware returns middleware that records HTTP metrics
func (m *Metrics) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r)

			m.RecordHTTPRequest(r.Method, routePattern(r), strconv.Itoa(ww.statusCode), time.Since(start))
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
