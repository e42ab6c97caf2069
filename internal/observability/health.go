// Package observability provides health checks, metrics, and tracing for the host
package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusReady     = "ready"
	statusNotReady  = "not_ready"
)

// HealthChecker is a component that can report its health
type HealthChecker interface {
	// HealthCheck returns nil if healthy
	HealthCheck(ctx context.Context) error
	Name() string
}

// ReadinessChecker is a component that can report whether it can serve traffic
type ReadinessChecker interface {
	// ReadinessCheck returns nil if ready
	ReadinessCheck(ctx context.Context) error
	Name() string
}

// HealthStatus is the status of one component
type HealthStatus struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthResponse is the body of /healthz and /readyz
type HealthResponse struct {
	Status     string         `json:"status"`
	Timestamp  time.Time      `json:"timestamp"`
	Components []HealthStatus `json:"components"`
}

// HealthManager runs registered health and readiness checks
type HealthManager struct {
	logger            *zap.Logger
	healthCheckers    []HealthChecker
	readinessCheckers []ReadinessChecker
	timeout           time.Duration
}

// NewHealthManager creates a health manager with a 5 second check timeout
func NewHealthManager(logger *zap.Logger) *HealthManager {
	return &HealthManager{
		logger:  logger.Named("health"),
		timeout: 5 * time.Second,
	}
}

// AddHealthChecker registers a health checker
func (hm *HealthManager) AddHealthChecker(checker HealthChecker) {
	hm.healthCheckers = append(hm.healthCheckers, checker)
}

// AddReadinessChecker registers a readiness checker
func (hm *HealthManager) AddReadinessChecker(checker ReadinessChecker) {
	hm.readinessCheckers = append(hm.readinessCheckers, checker)
}

// SetTimeout sets the timeout for one round of checks
func (hm *HealthManager) SetTimeout(timeout time.Duration) {
	hm.timeout = timeout
}

// HealthzHandler returns an HTTP handler for the /healthz endpoint
func (hm *HealthManager) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), hm.timeout)
		defer cancel()

		response := hm.CheckHealth(ctx)
		statusCode := http.StatusOK
		if response.Status != statusHealthy {
			statusCode = http.StatusServiceUnavailable
		}
		hm.writeJSONResponse(w, statusCode, response)
	}
}

// ReadyzHandler returns an HTTP handler for the /readyz endpoint
func (hm *HealthManager) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), hm.timeout)
		defer cancel()

		response := hm.CheckReadiness(ctx)
		statusCode := http.StatusOK
		if response.Status != statusReady {
			statusCode = http.StatusServiceUnavailable
		}
		hm.writeJSONResponse(w, statusCode, response)
	}
}

// CheckHealth runs every health checker
func (hm *HealthManager) CheckHealth(ctx context.Context) HealthResponse {
	response := HealthResponse{
		Status:     statusHealthy,
		Timestamp:  time.Now(),
		Components: make([]HealthStatus, 0, len(hm.healthCheckers)),
	}

	for _, checker := range hm.healthCheckers {
		start := time.Now()
		status := HealthStatus{Name: checker.Name(), Status: statusHealthy}

		if err := checker.HealthCheck(ctx); err != nil {
			status.Status = statusUnhealthy
			status.Error = err.Error()
			response.Status = statusUnhealthy
			hm.logger.Warn("Health check failed",
				zap.String("component", checker.Name()),
				zap.Error(err))
		}

		status.Latency = time.Since(start).String()
		response.Components = append(response.Components, status)
	}
	return response
}

// CheckReadiness runs every readiness checker
func (hm *HealthManager) CheckReadiness(ctx context.Context) HealthResponse {
	response := HealthResponse{
		Status:     statusReady,
		Timestamp:  time.Now(),
		Components: make([]HealthStatus, 0, len(hm.readinessCheckers)),
	}

	for _, checker := range hm.readinessCheckers {
		start := time.Now()
		status := HealthStatus{Name: checker.Name(), Status: statusReady}

		if err := checker.ReadinessCheck(ctx); err != nil {
			status.Status = statusNotReady
			status.Error = err.Error()
			response.Status = statusNotReady
			hm.logger.Warn("Readiness check failed",
				zap.String("component", checker.Name()),
				zap.Error(err))
		}

		status.Latency = time.Since(start).String()
		response.Components = append(response.Components, status)
	}
	return response
}

func (hm *HealthManager) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		hm.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

// IsHealthy returns true if all health checks pass
func (hm *HealthManager) IsHealthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), hm.timeout)
	defer cancel()
	return hm.CheckHealth(ctx).Status == statusHealthy
}

// IsReady returns true if all readiness checks pass
func (hm *HealthManager) IsReady() bool {
	ctx, cancel := context.WithTimeout(context.Background(), hm.timeout)
	defer cancel()
	return hm.CheckReadiness(ctx).Status == statusReady
}
