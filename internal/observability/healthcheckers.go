package observability

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"
)

// DatabaseHealthChecker checks that a BoltDB file still accepts transactions
type DatabaseHealthChecker struct {
	name string
	db   *bbolt.DB
}

// NewDatabaseHealthChecker creates a new database health checker
func NewDatabaseHealthChecker(name string, db *bbolt.DB) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{name: name, db: db}
}

// Name returns the name of the health checker
func (dhc *DatabaseHealthChecker) Name() string {
	return dhc.name
}

// HealthCheck opens a read transaction
func (dhc *DatabaseHealthChecker) HealthCheck(_ context.Context) error {
	if dhc.db == nil {
		return fmt.Errorf("database is nil")
	}
	return dhc.db.View(func(_ *bbolt.Tx) error {
		return nil
	})
}

// ReadinessCheck performs a database readiness check
func (dhc *DatabaseHealthChecker) ReadinessCheck(ctx context.Context) error {
	return dhc.HealthCheck(ctx)
}

// SessionHealthChecker reports on the server sessions. Health only needs the
// snapshot to be obtainable; readiness needs minReady sessions in the ready state.
type SessionHealthChecker struct {
	name      string
	getStates func() map[string]string
	minReady  int
}

// NewSessionHealthChecker creates a checker over a server ID to state name snapshot
func NewSessionHealthChecker(name string, getStates func() map[string]string, minReady int) *SessionHealthChecker {
	return &SessionHealthChecker{name: name, getStates: getStates, minReady: minReady}
}

// Name returns the name of the health checker
func (shc *SessionHealthChecker) Name() string {
	return shc.name
}

// HealthCheck verifies the session snapshot is available
func (shc *SessionHealthChecker) HealthCheck(_ context.Context) error {
	if shc.getStates == nil {
		return fmt.Errorf("getStates function is nil")
	}
	return nil
}

// ReadinessCheck requires at least minReady ready sessions
func (shc *SessionHealthChecker) ReadinessCheck(_ context.Context) error {
	if shc.getStates == nil {
		return fmt.Errorf("getStates function is nil")
	}

	ready := 0
	for _, state := range shc.getStates() {
		if state == "Ready" {
			ready++
		}
	}
	if ready < shc.minReady {
		return fmt.Errorf("insufficient ready servers: %d < %d", ready, shc.minReady)
	}
	return nil
}

// ComponentHealthChecker is a generic checker for components with a simple status
type ComponentHealthChecker struct {
	name      string
	isHealthy func() bool
	isReady   func() bool
}

// NewComponentHealthChecker creates a new component health checker
func NewComponentHealthChecker(name string, isHealthy, isReady func() bool) *ComponentHealthChecker {
	return &ComponentHealthChecker{name: name, isHealthy: isHealthy, isReady: isReady}
}

// Name returns the name of the health checker
func (chc *ComponentHealthChecker) Name() string {
	return chc.name
}

// HealthCheck performs a component health check
func (chc *ComponentHealthChecker) HealthCheck(_ context.Context) error {
	if chc.isHealthy == nil {
		return fmt.Errorf("isHealthy function is nil")
	}
	if !chc.isHealthy() {
		return fmt.Errorf("component is not healthy")
	}
	return nil
}

// ReadinessCheck performs a component readiness check
func (chc *ComponentHealthChecker) ReadinessCheck(_ context.Context) error {
	if chc.isReady == nil {
		return fmt.Errorf("isReady function is nil")
	}
	if !chc.isReady() {
		return fmt.Errorf("component is not ready")
	}
	return nil
}
