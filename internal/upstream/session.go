package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"mcphost-go/internal/config"
	"mcphost-go/internal/hash"
	"mcphost-go/internal/router"
	"mcphost-go/internal/upstream/types"
)

const (
	clientName    = "mcphost"
	clientVersion = "1.0.0"
)

// Call is one request against a session
type Call struct {
	Kind      router.Kind
	Name      string
	Arguments map[string]interface{}
	// URI overrides Name for resource reads, for example a concrete URI of a template.
	URI string
	// Timeout overrides the descriptor timeout when positive.
	Timeout time.Duration
}

// Result is the outcome of one successful exchange. Exactly one payload field is set.
type Result struct {
	ServerID string                  `json:"server_id"`
	Kind     router.Kind             `json:"kind"`
	Name     string                  `json:"name"`
	Tool     *mcp.CallToolResult     `json:"tool,omitempty"`
	Prompt   *mcp.GetPromptResult    `json:"prompt,omitempty"`
	Resource *mcp.ReadResourceResult `json:"resource,omitempty"`
	Duration time.Duration           `json:"duration"`
}

// Session is a live connection to one capability server
type Session struct {
	id          string
	descriptor  *config.ServerDescriptor
	client      *client.Client
	state       *types.StateManager
	callTimeout time.Duration
	records     []router.Record

	logger       *zap.Logger
	serverLogger *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error

	// closing is set when teardown starts; torn is closed once it has finished
	closing atomic.Bool
	torn    chan struct{}
}

// ID returns the server ID the session is bound to
func (s *Session) ID() string {
	return s.id
}

// Closing reports whether the session is being torn down
func (s *Session) Closing() bool {
	return s.closing.Load()
}

// Descriptor returns a copy of the descriptor as registered, before placeholder expansion
func (s *Session) Descriptor() *config.ServerDescriptor {
	return s.descriptor.Clone()
}

// Records returns the capabilities the server advertised at connect time
func (s *Session) Records() []router.Record {
	out := make([]router.Record, len(s.records))
	copy(out, s.records)
	return out
}

// Health returns a snapshot of the session health
func (s *Session) Health() types.HealthInfo {
	return s.state.GetHealthInfo()
}

// State returns the current health state
func (s *Session) State() types.HealthState {
	return s.state.GetState()
}

// initialize performs the MCP initialization handshake
func (s *Session) initialize(ctx context.Context) error {
	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	serverInfo, err := s.client.Initialize(ctx, initRequest)
	if err != nil {
		s.serverLogger.Error("MCP initialize failed", zap.Error(err))
		return fmt.Errorf("MCP initialize failed: %w", err)
	}

	s.state.SetServerInfo(serverInfo.ServerInfo.Name, serverInfo.ServerInfo.Version)
	s.logger.Info("MCP initialization successful",
		zap.String("server_name", serverInfo.ServerInfo.Name),
		zap.String("server_version", serverInfo.ServerInfo.Version))
	s.serverLogger.Info("MCP initialization completed",
		zap.String("server_name", serverInfo.ServerInfo.Name),
		zap.String("server_version", serverInfo.ServerInfo.Version),
		zap.String("protocol_version", serverInfo.ProtocolVersion))
	return nil
}

// discover lists the advertised capabilities that the descriptor admits
func (s *Session) discover(ctx context.Context) ([]router.Record, error) {
	caps := s.client.GetServerCapabilities()
	d := s.descriptor
	var records []router.Record
	seen := make(map[string]router.Kind)

	// Routing is by name, so one name maps to one kind per server. Listing order makes
	// tools win over prompts and prompts over resources.
	add := func(kind router.Kind, name, description string, schema json.RawMessage, template bool) {
		if name == "" || d.Excludes(name) {
			return
		}
		if prev, dup := seen[name]; dup {
			s.logger.Warn("Capability name advertised twice, keeping the first kind",
				zap.String("capability", name),
				zap.String("kept_kind", string(prev)),
				zap.String("dropped_kind", string(kind)))
			return
		}
		seen[name] = kind
		records = append(records, router.Record{
			Name:        name,
			ServerID:    s.id,
			Kind:        kind,
			Weight:      d.Weight(name),
			Description: description,
			Schema:      schema,
			Hash:        hash.ComputeCapabilityHash(s.id, string(kind), name, schema),
			Template:    template,
		})
	}

	if caps.Tools != nil && d.Offers(config.CapabilityTools) {
		result, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			return nil, fmt.Errorf("failed to list tools: %w", err)
		}
		for _, tool := range result.Tools {
			add(router.KindTool, tool.Name, tool.Description, toolSchema(tool), false)
		}
	}

	if caps.Prompts != nil && d.Offers(config.CapabilityPrompts) {
		result, err := s.client.ListPrompts(ctx, mcp.ListPromptsRequest{})
		if err != nil {
			return nil, fmt.Errorf("failed to list prompts: %w", err)
		}
		for _, prompt := range result.Prompts {
			var schema json.RawMessage
			if len(prompt.Arguments) > 0 {
				schema, _ = json.Marshal(prompt.Arguments)
			}
			add(router.KindPrompt, prompt.Name, prompt.Description, schema, false)
		}
	}

	if caps.Resources != nil && d.Offers(config.CapabilityResources) {
		result, err := s.client.ListResources(ctx, mcp.ListResourcesRequest{})
		if err != nil {
			return nil, fmt.Errorf("failed to list resources: %w", err)
		}
		for _, res := range result.Resources {
			add(router.KindResource, res.URI, describe(res.Description, res.Name), nil, false)
		}

		// Templates are optional; a server that cannot list them still serves concrete resources
		templates, err := s.client.ListResourceTemplates(ctx, mcp.ListResourceTemplatesRequest{})
		if err != nil {
			s.logger.Debug("Resource templates unavailable", zap.Error(err))
		} else {
			for _, tmpl := range templates.ResourceTemplates {
				if tmpl.URITemplate == nil || tmpl.URITemplate.Template == nil {
					continue
				}
				add(router.KindResource, tmpl.URITemplate.Raw(), describe(tmpl.Description, tmpl.Name), nil, true)
			}
		}
	}

	s.logger.Debug("Capabilities discovered", zap.Int("count", len(records)))
	return records, nil
}

func toolSchema(tool mcp.Tool) json.RawMessage {
	if len(tool.RawInputSchema) > 0 {
		return tool.RawInputSchema
	}
	schema, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return nil
	}
	return schema
}

func describe(description, name string) string {
	if description != "" {
		return description
	}
	return name
}

// exchange performs one request/response. Transport failures are returned as errors;
// a tool reporting isError is returned as a result for the caller to classify.
func (s *Session) exchange(ctx context.Context, call Call) (*Result, error) {
	result := &Result{ServerID: s.id, Kind: call.Kind, Name: call.Name}

	switch call.Kind {
	case router.KindTool:
		request := mcp.CallToolRequest{}
		request.Params.Name = call.Name
		request.Params.Arguments = call.Arguments
		res, err := s.client.CallTool(ctx, request)
		if err != nil {
			return nil, err
		}
		result.Tool = res

	case router.KindPrompt:
		request := mcp.GetPromptRequest{}
		request.Params.Name = call.Name
		request.Params.Arguments = promptArguments(call.Arguments)
		res, err := s.client.GetPrompt(ctx, request)
		if err != nil {
			return nil, err
		}
		result.Prompt = res

	case router.KindResource:
		request := mcp.ReadResourceRequest{}
		request.Params.URI = call.Name
		if call.URI != "" {
			request.Params.URI = call.URI
		}
		request.Params.Arguments = call.Arguments
		res, err := s.client.ReadResource(ctx, request)
		if err != nil {
			return nil, err
		}
		result.Resource = res

	default:
		return nil, fmt.Errorf("unsupported capability kind %q", call.Kind)
	}

	return result, nil
}

// promptArguments flattens call arguments to the string map prompts/get expects
func promptArguments(args map[string]interface{}) map[string]string {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]string, len(args))
	for k, v := range args {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			out[k] = ""
		default:
			if data, err := json.Marshal(val); err == nil {
				out[k] = string(data)
			} else {
				out[k] = fmt.Sprint(val)
			}
		}
	}
	return out
}

// monitorStderr copies subprocess stderr into the server log until the pipe closes
func (s *Session) monitorStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.serverLogger.Info("stderr", zap.String("message", line))
	}

	if err := scanner.Err(); err != nil && s.ctx.Err() == nil {
		s.logger.Warn("Error reading stderr", zap.Error(err))
		return
	}
	s.serverLogger.Debug("stderr stream closed")
}

// close tears the transport down once and moves the session to Closed
func (s *Session) close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.client != nil {
			if err := s.client.Close(); err != nil {
				s.closeErr = fmt.Errorf("failed to close transport: %w", err)
			}
		}
		_ = s.state.TransitionTo(types.StateClosed)
		_ = s.serverLogger.Sync()
	})
	return s.closeErr
}
