package types

import (
	"fmt"
	"sync"
	"time"
)

// HealthState represents the health of a server session
type HealthState int

const (
	// StateConnecting is the initial state while the transport is opened and initialized
	StateConnecting HealthState = iota
	// StateReady indicates the session is serving requests
	StateReady
	// StateDegraded indicates a recent timeout or failed ping; requests are still routed
	StateDegraded
	// StateClosed is terminal
	StateClosed
)

// String returns the string representation of the health state
func (s HealthState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateReady:
		return "Ready"
	case StateDegraded:
		return "Degraded"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// MarshalText lets health states serialize as their names
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText
func (s *HealthState) UnmarshalText(text []byte) error {
	for _, state := range []HealthState{StateConnecting, StateReady, StateDegraded, StateClosed} {
		if state.String() == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown health state %q", text)
}

// HealthInfo is a snapshot of a session's health
type HealthInfo struct {
	State         HealthState `json:"state"`
	LastError     string      `json:"last_error,omitempty"`
	PingFailures  int         `json:"ping_failures"`
	Since         time.Time   `json:"since"`
	ServerName    string      `json:"server_name,omitempty"`
	ServerVersion string      `json:"server_version,omitempty"`
}

// validTransitions encodes Connecting -> Ready <-> Degraded -> Closed. Closed is reachable
// from every state so a failed connect or a teardown always ends there.
var validTransitions = map[HealthState][]HealthState{
	StateConnecting: {StateReady, StateClosed},
	StateReady:      {StateDegraded, StateClosed},
	StateDegraded:   {StateReady, StateClosed},
	StateClosed:     {},
}

// StateManager manages the health transitions of one session
type StateManager struct {
	mu            sync.RWMutex
	currentState  HealthState
	lastError     error
	pingFailures  int
	since         time.Time
	serverName    string
	serverVersion string
	now           func() time.Time

	// Callback for state transitions, invoked outside the lock
	onStateChange func(oldState, newState HealthState, info HealthInfo)
}

// NewStateManager creates a state manager in StateConnecting
func NewStateManager() *StateManager {
	return &StateManager{
		currentState: StateConnecting,
		since:        time.Now(),
		now:          time.Now,
	}
}

// SetStateChangeCallback sets a callback function that will be called on state changes
func (sm *StateManager) SetStateChangeCallback(callback func(oldState, newState HealthState, info HealthInfo)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onStateChange = callback
}

// GetState returns the current health state
func (sm *StateManager) GetState() HealthState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.currentState
}

// GetHealthInfo returns a snapshot of the session health
func (sm *StateManager) GetHealthInfo() HealthInfo {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.infoLocked()
}

func (sm *StateManager) infoLocked() HealthInfo {
	info := HealthInfo{
		State:         sm.currentState,
		PingFailures:  sm.pingFailures,
		Since:         sm.since,
		ServerName:    sm.serverName,
		ServerVersion: sm.serverVersion,
	}
	if sm.lastError != nil {
		info.LastError = sm.lastError.Error()
	}
	return info
}

// ValidateTransition validates if a state transition is allowed
func ValidateTransition(from, to HealthState) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid source state: %s", from)
	}
	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s", from, to)
}

// TransitionTo moves to newState. Transitions to the current state are no-ops; invalid
// transitions are rejected and leave the state unchanged.
func (sm *StateManager) TransitionTo(newState HealthState) error {
	return sm.transition(newState, nil)
}

// SetDegraded records err and moves a Ready session to Degraded
func (sm *StateManager) SetDegraded(err error) error {
	return sm.transition(StateDegraded, err)
}

func (sm *StateManager) transition(newState HealthState, err error) error {
	sm.mu.Lock()
	oldState := sm.currentState
	if err != nil {
		sm.lastError = err
	}
	if oldState == newState {
		sm.mu.Unlock()
		return nil
	}
	if verr := ValidateTransition(oldState, newState); verr != nil {
		sm.mu.Unlock()
		return verr
	}

	sm.currentState = newState
	sm.since = sm.now()
	if newState == StateReady {
		sm.lastError = nil
		sm.pingFailures = 0
	}

	info := sm.infoLocked()
	callback := sm.onStateChange
	sm.mu.Unlock()

	// Call the callback outside the lock to avoid deadlocks
	if callback != nil {
		callback(oldState, newState, info)
	}
	return nil
}

// RecordPingFailure increments the consecutive ping failure counter and returns it
func (sm *StateManager) RecordPingFailure(err error) int {
	sm.mu.Lock()
	sm.pingFailures++
	n := sm.pingFailures
	sm.mu.Unlock()

	_ = sm.SetDegraded(err)
	return n
}

// RecordSuccess clears ping failures and returns a Degraded session to Ready
func (sm *StateManager) RecordSuccess() {
	sm.mu.Lock()
	sm.pingFailures = 0
	degraded := sm.currentState == StateDegraded
	sm.mu.Unlock()

	if degraded {
		_ = sm.TransitionTo(StateReady)
	}
}

// SetServerInfo sets the server information reported during initialize
func (sm *StateManager) SetServerInfo(name, version string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.serverName = name
	sm.serverVersion = version
}

// IsState checks if the current state matches the given state
func (sm *StateManager) IsState(state HealthState) bool {
	return sm.GetState() == state
}

// IsUsable returns true if the session accepts requests (Ready or Degraded)
func (sm *StateManager) IsUsable() bool {
	s := sm.GetState()
	return s == StateReady || s == StateDegraded
}

// IsClosed returns true once the session reached its terminal state
func (sm *StateManager) IsClosed() bool {
	return sm.IsState(StateClosed)
}
