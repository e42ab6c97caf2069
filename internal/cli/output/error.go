package output

import (
	"errors"

	"mcphost-go/internal/hosterr"
)

// StructuredError is a CLI error with machine-parseable metadata
type StructuredError struct {
	Code            string                 `json:"code" yaml:"code"`
	Message         string                 `json:"message" yaml:"message"`
	Guidance        string                 `json:"guidance,omitempty" yaml:"guidance,omitempty"`
	RecoveryCommand string                 `json:"recovery_command,omitempty" yaml:"recovery_command,omitempty"`
	Context         map[string]interface{} `json:"context,omitempty" yaml:"context,omitempty"`
	RequestID       string                 `json:"request_id,omitempty" yaml:"request_id,omitempty"`
}

// Error implements the error interface
func (e StructuredError) Error() string {
	return e.Message
}

// Error codes
const (
	ErrCodeConfigNotFound     = "CONFIG_NOT_FOUND"
	ErrCodeHostNotRunning     = "HOST_NOT_RUNNING"
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeOperationFailed    = "OPERATION_FAILED"
	ErrCodeConnectionFailed   = "CONNECTION_FAILED"
	ErrCodeCredentialFailed   = "CREDENTIAL_RESOLUTION_FAILED"
	ErrCodeCapabilityNotFound = "CAPABILITY_NOT_FOUND"
	ErrCodeAccessDenied       = "ACCESS_DENIED"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeInvocationFailed   = "INVOCATION_FAILED"
	ErrCodeNotConnected       = "NOT_CONNECTED"
)

// NewStructuredError creates an error with the given code and message
func NewStructuredError(code, message string) StructuredError {
	return StructuredError{Code: code, Message: message}
}

// WithGuidance adds guidance to the error
func (e StructuredError) WithGuidance(guidance string) StructuredError {
	e.Guidance = guidance
	return e
}

// WithRecoveryCommand adds a recovery command suggestion
func (e StructuredError) WithRecoveryCommand(cmd string) StructuredError {
	e.RecoveryCommand = cmd
	return e
}

// WithContext adds context data to the error
func (e StructuredError) WithContext(key string, value interface{}) StructuredError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRequestID adds a request ID for log correlation
func (e StructuredError) WithRequestID(requestID string) StructuredError {
	e.RequestID = requestID
	return e
}

// FromError converts err to a StructuredError. Host errors get a code per kind and
// their server and capability as context; anything else gets fallbackCode.
func FromError(err error, fallbackCode string) StructuredError {
	var se StructuredError
	if errors.As(err, &se) {
		return se
	}

	var he *hosterr.Error
	if !errors.As(err, &he) {
		return NewStructuredError(fallbackCode, err.Error())
	}

	out := NewStructuredError(fallbackCode, err.Error())
	switch he.Kind {
	case hosterr.KindConnection:
		out.Code = ErrCodeConnectionFailed
		out.Guidance = "check the server command or URL in the configuration"
	case hosterr.KindCredentialResolution:
		out.Code = ErrCodeCredentialFailed
		out.Guidance = "grant the credential type with allowed_credential_types or set the referenced variable"
	case hosterr.KindCapabilityNotFound:
		out.Code = ErrCodeCapabilityNotFound
		out.RecoveryCommand = "mcphost capabilities"
	case hosterr.KindAccessDenied:
		out.Code = ErrCodeAccessDenied
		out.Guidance = "the resource is outside the server's roots"
	case hosterr.KindInvocationTimeout, hosterr.KindTimeout:
		out.Code = ErrCodeTimeout
		out.Guidance = "raise --timeout or the server timeout"
	case hosterr.KindInvocationError:
		out.Code = ErrCodeInvocationFailed
	case hosterr.KindNotConnected:
		out.Code = ErrCodeNotConnected
		out.RecoveryCommand = "mcphost servers"
	}

	if he.ServerID != "" {
		out = out.WithContext("server_id", he.ServerID)
	}
	if he.Capability != "" {
		out = out.WithContext("capability", he.Capability)
	}
	if he.HasBackup {
		out = out.WithContext("has_backup", true)
	}
	out = out.WithContext("retryable", he.Retryable())
	return out
}
