// Package hosterr defines the typed failures the host surfaces to its callers.
package hosterr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a host failure.
type Kind int

const (
	// KindUnknown is reported for errors that did not originate in the host.
	KindUnknown Kind = iota
	// KindConnection is a transport-level failure, retryable by caller policy.
	KindConnection
	// KindCredentialResolution covers TokenExpired, TokenUnknown and PermissionDenied.
	KindCredentialResolution
	// KindCapabilityNotFound is a routing miss.
	KindCapabilityNotFound
	// KindAccessDenied is a root boundary violation.
	KindAccessDenied
	// KindInvocationTimeout marks the session Degraded; safe to retry.
	KindInvocationTimeout
	// KindInvocationError is a domain-level failure reported by the server.
	KindInvocationError
	// KindNotConnected means no live session exists for the server.
	KindNotConnected
	// KindTimeout is a connect deadline expiry.
	KindTimeout
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "ConnectionError"
	case KindCredentialResolution:
		return "CredentialResolutionError"
	case KindCapabilityNotFound:
		return "CapabilityNotFound"
	case KindAccessDenied:
		return "AccessDenied"
	case KindInvocationTimeout:
		return "InvocationTimeout"
	case KindInvocationError:
		return "InvocationError"
	case KindNotConnected:
		return "NotConnected"
	case KindTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// ParseKind is the inverse of Kind.String. Unrecognized names map to KindUnknown.
func ParseKind(s string) Kind {
	for k := KindConnection; k <= KindTimeout; k++ {
		if k.String() == s {
			return k
		}
	}
	return KindUnknown
}

// Sentinel errors. Every *Error wraps exactly one of these (or a lower-level cause that
// in turn wraps one), so callers can use errors.Is.
var (
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenUnknown       = errors.New("token unknown")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrCapabilityNotFound = errors.New("capability not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrNotConnected       = errors.New("server not connected")
	ErrInvocationTimeout  = errors.New("invocation timed out")
	ErrConnectTimeout     = errors.New("connect timed out")
	ErrUnresolved         = errors.New("unresolved placeholder")
)

// Error is the single error type returned across the host's public API.
type Error struct {
	Kind       Kind
	Op         string
	ServerID   string
	Capability string
	// HasBackup reports whether another server could serve Capability.
	HasBackup bool
	// Payload carries the opaque server-side failure for KindInvocationError.
	Payload interface{}
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(" during ")
		b.WriteString(e.Op)
	}
	if e.ServerID != "" {
		fmt.Fprintf(&b, " (server=%s", e.ServerID)
		if e.Capability != "" {
			fmt.Fprintf(&b, ", capability=%s", e.Capability)
		}
		b.WriteString(")")
	} else if e.Capability != "" {
		fmt.Fprintf(&b, " (capability=%s)", e.Capability)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may retry without changing credentials or config.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindConnection, KindInvocationTimeout, KindTimeout, KindNotConnected:
		return true
	default:
		return false
	}
}

// New creates an error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithServer returns e with ServerID set.
func (e *Error) WithServer(serverID string) *Error {
	e.ServerID = serverID
	return e
}

// WithCapability returns e with Capability set.
func (e *Error) WithCapability(name string) *Error {
	e.Capability = name
	return e
}

// KindOf extracts the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	return KindUnknown
}

// Is reports whether err is a host error of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Connection wraps a transport failure.
func Connection(op string, err error) *Error {
	return New(KindConnection, op, err)
}

// Credential wraps a vault resolution failure. err should wrap one of
// ErrTokenExpired, ErrTokenUnknown, ErrPermissionDenied or ErrUnresolved.
func Credential(op string, err error) *Error {
	return New(KindCredentialResolution, op, err)
}

// NotFound reports a routing miss for name.
func NotFound(name string) *Error {
	return New(KindCapabilityNotFound, "route", ErrCapabilityNotFound).WithCapability(name)
}

// Denied reports a boundary violation for uri on serverID.
func Denied(serverID, uri string) *Error {
	return New(KindAccessDenied, "validate access", fmt.Errorf("%w: %s", ErrAccessDenied, uri)).WithServer(serverID)
}

// NotConnected reports a missing session.
func NotConnected(serverID string) *Error {
	return New(KindNotConnected, "invoke", ErrNotConnected).WithServer(serverID)
}
