// Package cliclient reads the discovery API of a running host for CLI commands.
package cliclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"mcphost-go/internal/host"
	"mcphost-go/internal/hosterr"
	"mcphost-go/internal/httpapi"
	"mcphost-go/internal/reqcontext"
	"mcphost-go/internal/router"
	"mcphost-go/internal/storage"
	"mcphost-go/internal/upstream/types"
)

// Client provides HTTP API access for CLI commands.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

// APIError is a non-success response from the host API
type APIError struct {
	Status    int
	Message   string
	Kind      string
	RequestID string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("host API returned %d (%s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("host API returned %d: %s", e.Status, e.Message)
}

// Unwrap exposes the host error kind so hosterr.Is works on API failures
func (e *APIError) Unwrap() error {
	kind := hosterr.ParseKind(e.Kind)
	if kind == hosterr.KindUnknown {
		return nil
	}
	return hosterr.New(kind, "", errors.New(e.Message))
}

// AuditPage is one page of audit records, newest first
type AuditPage struct {
	Records []*storage.AuditRecord `json:"records"`
	Total   int                    `json:"total"`
}

// AuditQuery filters an audit listing
type AuditQuery struct {
	Type   string
	Server string
	Caller string
	Status string
	Limit  int
	Offset int
}

// NewClient creates a client for the API at endpoint, a host:port or URL
func NewClient(endpoint string, logger *zap.SugaredLogger) *Client {
	baseURL := strings.TrimRight(endpoint, "/")
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// Capabilities lists every routable capability in routing order, optionally filtered by kind
func (c *Client) Capabilities(ctx context.Context, kind router.Kind) ([]router.Record, error) {
	path := "/api/v1/capabilities"
	if kind != "" {
		path += "?kind=" + url.QueryEscape(string(kind))
	}
	var out []router.Record
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Capability returns one capability with its providers
func (c *Client) Capability(ctx context.Context, name string) (*httpapi.CapabilityView, error) {
	var out httpapi.CapabilityView
	if err := c.get(ctx, "/api/v1/capabilities/"+url.PathEscape(name), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Servers lists the registered servers
func (c *Client) Servers(ctx context.Context) ([]host.ServerInfo, error) {
	var out []host.ServerInfo
	if err := c.get(ctx, "/api/v1/servers", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ServerHealth returns the health of one server
func (c *Client) ServerHealth(ctx context.Context, serverID string) (*types.HealthInfo, error) {
	var out types.HealthInfo
	if err := c.get(ctx, "/api/v1/servers/"+url.PathEscape(serverID)+"/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Audit lists audit records
func (c *Client) Audit(ctx context.Context, q AuditQuery) (*AuditPage, error) {
	values := url.Values{}
	for key, v := range map[string]string{"type": q.Type, "server": q.Server, "caller": q.Caller, "status": q.Status} {
		if v != "" {
			values.Set(key, v)
		}
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		values.Set("offset", strconv.Itoa(q.Offset))
	}

	path := "/api/v1/audit"
	if len(values) > 0 {
		path += "?" + values.Encode()
	}
	var out AuditPage
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ping checks if the host is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("host returned status %d", resp.StatusCode)
	}
	return nil
}

// get fetches path and decodes the envelope data into out
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach host API: %w", err)
	}
	defer resp.Body.Close()

	var envelope struct {
		httpapi.Response
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	requestID := envelope.RequestID
	if requestID == "" {
		requestID = resp.Header.Get(reqcontext.RequestIDHeader)
	}
	c.logger.Debugw("Host API response",
		"path", path,
		"status", resp.StatusCode,
		"request_id", requestID)

	if resp.StatusCode != http.StatusOK || !envelope.Success {
		return &APIError{
			Status:    resp.StatusCode,
			Message:   envelope.Error,
			Kind:      envelope.Kind,
			RequestID: requestID,
		}
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to parse response data: %w", err)
	}
	return nil
}
