package observability

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"mcphost-go/internal/config"
)

// Metric status labels
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Manager bundles health, metrics and tracing
type Manager struct {
	logger    *zap.Logger
	health    *HealthManager
	metrics   *Metrics
	tracing   *Tracing
	startTime time.Time
}

// NewManager builds the observability stack from cfg. Metrics and health are
// always on; tracing follows cfg.Tracing.
func NewManager(cfg *config.HostConfig, version string, logger *zap.Logger) (*Manager, error) {
	logger = logger.Named("observability")

	var tracingCfg *config.TracingConfig
	if cfg != nil {
		tracingCfg = cfg.Tracing
	}
	tracing, err := NewTracing(tracingCfg, version, logger)
	if err != nil {
		return nil, err
	}

	return newManager(tracing, logger), nil
}

// NewManagerWithTracing builds a manager around an existing Tracing
func NewManagerWithTracing(tracing *Tracing, logger *zap.Logger) *Manager {
	return newManager(tracing, logger.Named("observability"))
}

func newManager(tracing *Tracing, logger *zap.Logger) *Manager {
	return &Manager{
		logger:    logger,
		health:    NewHealthManager(logger),
		metrics:   NewMetrics(),
		tracing:   tracing,
		startTime: time.Now(),
	}
}

// Health returns the health manager
func (m *Manager) Health() *HealthManager {
	return m.health
}

// Metrics returns the metrics collectors
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// Tracing returns the tracer wrapper
func (m *Manager) Tracing() *Tracing {
	return m.tracing
}

// MetricsHandler serves /metrics with the uptime gauge refreshed
func (m *Manager) MetricsHandler() http.Handler {
	inner := m.metrics.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.metrics.SetUptime(m.startTime)
		inner.ServeHTTP(w, r)
	})
}

// HTTPMiddleware chains tracing then metrics
func (m *Manager) HTTPMiddleware() func(http.Handler) http.Handler {
	tracing := m.tracing.HTTPMiddleware()
	metrics := m.metrics.HTTPMiddleware()
	return func(next http.Handler) http.Handler {
		return tracing(metrics(next))
	}
}

// Close shuts down tracing
func (m *Manager) Close(ctx context.Context) error {
	m.logger.Info("Shutting down observability manager")
	return m.tracing.Close(ctx)
}
