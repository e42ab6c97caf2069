package main

import (
	"errors"

	"mcphost-go/internal/hosterr"
	"mcphost-go/internal/stringutil"
)

// Exit codes for scripting around mcphost

const (
	// ExitCodeSuccess indicates normal program termination
	ExitCodeSuccess = 0

	// ExitCodeGeneralError indicates a generic error (default)
	ExitCodeGeneralError = 1

	// ExitCodePortConflict indicates the listen port is already in use
	ExitCodePortConflict = 2

	// ExitCodeDBLocked indicates the audit database is locked by another process
	ExitCodeDBLocked = 3

	// ExitCodeConfigError indicates configuration validation failed
	ExitCodeConfigError = 4

	// ExitCodeHostNotRunning indicates no discovery API answered
	ExitCodeHostNotRunning = 5

	// ExitCodeInvocationFailed indicates a capability call returned a host error
	ExitCodeInvocationFailed = 6
)

// exitError carries the process exit code. reported marks errors already printed
// in structured form.
type exitError struct {
	code     int
	err      error
	reported bool
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// exitCodeOf maps a command error to the process exit code
func exitCodeOf(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	if hosterr.KindOf(err) != hosterr.KindUnknown {
		return ExitCodeInvocationFailed
	}
	if stringutil.ContainsIgnoreCase(err.Error(), "address already in use") {
		return ExitCodePortConflict
	}
	return ExitCodeGeneralError
}

// exitCodeDescription returns a human-readable description of the exit code
func exitCodeDescription(code int) string {
	switch code {
	case ExitCodeSuccess:
		return "Success"
	case ExitCodeGeneralError:
		return "General error"
	case ExitCodePortConflict:
		return "Port conflict - address already in use"
	case ExitCodeDBLocked:
		return "Audit database locked by another process"
	case ExitCodeConfigError:
		return "Configuration error"
	case ExitCodeHostNotRunning:
		return "Host not running"
	case ExitCodeInvocationFailed:
		return "Capability invocation failed"
	default:
		return "Unknown error"
	}
}
