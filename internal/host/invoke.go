package host

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"mcphost-go/internal/hosterr"
	"mcphost-go/internal/observability"
	"mcphost-go/internal/reqcontext"
	"mcphost-go/internal/router"
	"mcphost-go/internal/storage"
	"mcphost-go/internal/upstream"
)

// Invoke routes name to its selected provider and performs one call. Every error is a
// *hosterr.Error with server, capability and backup availability filled in.
func (m *Manager) Invoke(ctx context.Context, name string, args map[string]interface{}, caller reqcontext.Caller, opts ...InvokeOption) (*Result, error) {
	var o invokeOptions
	for _, opt := range opts {
		opt(&o)
	}
	caller = caller.Normalize()
	ctx = reqcontext.WithCaller(ctx, caller)
	ctx, span := m.obs.Tracing().TraceInvoke(ctx, name, caller.ID, caller.RequestID)
	start := time.Now()

	rec, err := m.router.Select(name, o.exclude...)
	if err != nil {
		herr := m.publicError(err, "", name)
		m.finishInvoke(span, caller, rec, name, start, herr)
		return nil, herr
	}

	call := upstream.Call{
		Kind:      rec.Kind,
		Name:      rec.Name,
		Arguments: args,
		URI:       o.resourceURI,
		Timeout:   o.timeout,
	}

	if rec.Kind == router.KindResource {
		if herr := m.checkResource(rec, o.resourceURI, caller); herr != nil {
			m.finishInvoke(span, caller, rec, name, start, herr)
			return nil, herr
		}
	}

	result, err := m.pool.Invoke(ctx, rec.ServerID, call)
	if err != nil {
		herr := m.publicError(err, rec.ServerID, name)
		m.finishInvoke(span, caller, rec, name, start, herr)
		return nil, herr
	}

	m.finishInvoke(span, caller, rec, name, start, nil)
	return result, nil
}

// checkResource enforces the root boundaries of the selected server
func (m *Manager) checkResource(rec router.Record, resourceURI string, caller reqcontext.Caller) *hosterr.Error {
	uri := rec.Name
	if resourceURI != "" {
		uri = resourceURI
	}
	if rec.Template && resourceURI == "" {
		return m.publicError(hosterr.New(hosterr.KindInvocationError, "invoke",
			fmt.Errorf("resource template %s requires a concrete URI", rec.Name)), rec.ServerID, rec.Name)
	}

	if m.boundaries.ValidateAccess(rec.ServerID, uri) {
		return nil
	}

	herr := m.publicError(hosterr.Denied(rec.ServerID, uri), rec.ServerID, rec.Name)
	m.obs.Metrics().RecordAccessDenied(rec.ServerID)
	m.logger.Warn("Resource access denied by root boundary",
		append(callerFields(caller),
			zap.String("server_id", rec.ServerID),
			zap.String("uri", m.vault.Mask(uri)),
			zap.Strings("roots", m.boundaries.List(rec.ServerID)))...)
	m.record(&storage.AuditRecord{
		Type:         storage.AuditTypeAccessDenied,
		CallerID:     caller.ID,
		Agent:        caller.Agent,
		Source:       string(caller.Source),
		RequestID:    caller.RequestID,
		ServerID:     rec.ServerID,
		Capability:   rec.Name,
		Kind:         string(rec.Kind),
		Status:       storage.AuditStatusDenied,
		ErrorKind:    herr.Kind.String(),
		ErrorMessage: herr.Error(),
		Metadata:     map[string]interface{}{"uri": m.vault.Mask(uri)},
	})
	return herr
}

// finishInvoke records metrics, the span outcome and the audit entry of one invocation.
// herr must already be masked.
func (m *Manager) finishInvoke(span trace.Span, caller reqcontext.Caller, rec router.Record, name string, start time.Time, herr *hosterr.Error) {
	elapsed := time.Since(start)
	serverID := rec.ServerID
	kind := string(rec.Kind)

	status := observability.StatusSuccess
	auditStatus := storage.AuditStatusSuccess
	message := ""
	if herr != nil {
		status = herr.Kind.String()
		message = herr.Error()
		auditStatus = storage.AuditStatusError
		if herr.Kind == hosterr.KindAccessDenied {
			auditStatus = storage.AuditStatusDenied
		}
		if serverID == "" {
			serverID = herr.ServerID
		}
	}

	m.obs.Metrics().RecordInvocation(serverID, name, kind, status, elapsed)
	if serverID != "" {
		span.SetAttributes(attribute.String("server.id", serverID))
	}
	observability.EndSpan(span, herr, message)

	fields := append(callerFields(caller),
		zap.String("capability", name),
		zap.String("server_id", serverID),
		zap.Duration("duration", elapsed))
	if herr != nil {
		m.logger.Debug("Invocation failed", append(fields,
			zap.String("kind", herr.Kind.String()),
			zap.Bool("has_backup", herr.HasBackup),
			zap.String("error", message))...)
	} else {
		m.logger.Debug("Invocation completed", fields...)
	}

	// Access denials were already audited with their URI
	if herr != nil && herr.Kind == hosterr.KindAccessDenied {
		return
	}
	entry := &storage.AuditRecord{
		Type:       storage.AuditTypeInvocation,
		CallerID:   caller.ID,
		Agent:      caller.Agent,
		Source:     string(caller.Source),
		RequestID:  caller.RequestID,
		ServerID:   serverID,
		Capability: name,
		Kind:       kind,
		Status:     auditStatus,
		DurationMs: elapsed.Milliseconds(),
	}
	if herr != nil {
		entry.ErrorKind = herr.Kind.String()
		entry.ErrorMessage = message
	}
	m.record(entry)
}
