package upstream

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

// tracingTransport wraps a transport.Interface to log the JSON-RPC exchange of one server.
// Messages go to the per-server logger, which masks secrets like every other core.
type tracingTransport struct {
	inner    transport.Interface
	logger   *zap.Logger
	serverID string
}

var (
	_ transport.BidirectionalInterface = (*tracingTransport)(nil)
	_ transport.HTTPConnection         = (*tracingTransport)(nil)
)

func newTracingTransport(inner transport.Interface, logger *zap.Logger, serverID string) *tracingTransport {
	return &tracingTransport{inner: inner, logger: logger, serverID: serverID}
}

// Start implements transport.Interface
func (t *tracingTransport) Start(ctx context.Context) error {
	t.logger.Debug("MCP transport starting",
		zap.String("transport_type", fmt.Sprintf("%T", t.inner)))

	start := time.Now()
	err := t.inner.Start(ctx)
	if err != nil {
		t.logger.Error("MCP transport start failed",
			zap.Error(err),
			zap.Duration("duration", time.Since(start)))
		return err
	}

	t.logger.Debug("MCP transport started", zap.Duration("duration", time.Since(start)))
	return nil
}

// Close implements transport.Interface
func (t *tracingTransport) Close() error {
	err := t.inner.Close()
	if err != nil {
		t.logger.Warn("MCP transport close failed", zap.Error(err))
	} else {
		t.logger.Debug("MCP transport closed")
	}
	return err
}

// SendRequest implements transport.Interface
func (t *tracingTransport) SendRequest(ctx context.Context, request transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	if ce := t.logger.Check(zap.DebugLevel, "MCP request: host → server"); ce != nil {
		ce.Write(zap.String("method", request.Method),
			zap.Any("id", request.ID),
			zap.Any("params", request.Params))
	}

	start := time.Now()
	response, err := t.inner.SendRequest(ctx, request)
	duration := time.Since(start)

	if err != nil {
		t.logger.Debug("MCP request failed",
			zap.String("method", request.Method),
			zap.Any("id", request.ID),
			zap.Error(err),
			zap.Duration("duration", duration))
		return response, err
	}

	if ce := t.logger.Check(zap.DebugLevel, "MCP response: server → host"); ce != nil {
		ce.Write(zap.String("method", request.Method),
			zap.Any("id", response.ID),
			zap.ByteString("result", response.Result),
			zap.Duration("duration", duration))
	}
	return response, nil
}

// SendNotification implements transport.Interface
func (t *tracingTransport) SendNotification(ctx context.Context, notification mcp.JSONRPCNotification) error {
	t.logger.Debug("MCP notification: host → server", zap.String("method", notification.Method))
	return t.inner.SendNotification(ctx, notification)
}

// SetNotificationHandler implements transport.Interface
func (t *tracingTransport) SetNotificationHandler(handler func(notification mcp.JSONRPCNotification)) {
	t.inner.SetNotificationHandler(func(notification mcp.JSONRPCNotification) {
		t.logger.Debug("MCP notification: server → host", zap.String("method", notification.Method))
		if handler != nil {
			handler(notification)
		}
	})
}

// SetRequestHandler forwards server-initiated requests when the inner transport supports them
func (t *tracingTransport) SetRequestHandler(handler transport.RequestHandler) {
	if bidi, ok := t.inner.(transport.BidirectionalInterface); ok {
		bidi.SetRequestHandler(handler)
	}
}

// SetProtocolVersion forwards the negotiated version to HTTP transports
func (t *tracingTransport) SetProtocolVersion(version string) {
	if conn, ok := t.inner.(transport.HTTPConnection); ok {
		conn.SetProtocolVersion(version)
	}
}

// GetSessionId implements transport.Interface
func (t *tracingTransport) GetSessionId() string {
	return t.inner.GetSessionId()
}

// Stderr exposes the subprocess stderr of stdio transports
func (t *tracingTransport) Stderr() (io.Reader, bool) {
	if s, ok := t.inner.(*transport.Stdio); ok {
		return s.Stderr(), true
	}
	return nil, false
}
