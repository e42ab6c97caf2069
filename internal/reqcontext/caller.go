package reqcontext

import (
	"context"
)

// ContextKey is the type for context keys to avoid collisions
type ContextKey string

const (
	// CallerKey is the context key for the invoking caller
	CallerKey ContextKey = "caller"

	// RequestIDKey is the context key for the request ID
	RequestIDKey ContextKey = "request_id"
)

// RequestSource indicates where the request originated
type RequestSource string

const (
	SourceAgent    RequestSource = "AGENT"
	SourceRESTAPI  RequestSource = "REST_API"
	SourceCLI      RequestSource = "CLI"
	SourceInternal RequestSource = "INTERNAL"
	SourceUnknown  RequestSource = "UNKNOWN"
)

// Caller identifies who is invoking a capability. It is recorded in the audit trail
// and never consulted for authorization.
type Caller struct {
	ID        string        `json:"id"`
	Agent     string        `json:"agent,omitempty"`
	Source    RequestSource `json:"source"`
	RequestID string        `json:"request_id"`
}

// NewCaller returns a caller with a freshly generated request ID
func NewCaller(id string, source RequestSource) Caller {
	return Caller{ID: id, Source: source, RequestID: GenerateRequestID()}
}

// Normalize fills in a request ID and source when the caller left them empty
func (c Caller) Normalize() Caller {
	c.RequestID = GetOrGenerateRequestID(c.RequestID)
	if c.Source == "" {
		c.Source = SourceUnknown
	}
	if c.ID == "" {
		c.ID = "anonymous"
	}
	return c
}

// WithCaller adds the caller to the context
func WithCaller(ctx context.Context, caller Caller) context.Context {
	ctx = context.WithValue(ctx, CallerKey, caller)
	return WithRequestID(ctx, caller.RequestID)
}

// GetCaller retrieves the caller from context
func GetCaller(ctx context.Context) (Caller, bool) {
	if ctx == nil {
		return Caller{}, false
	}
	caller, ok := ctx.Value(CallerKey).(Caller)
	return caller, ok
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}
