package upstream

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/server"

	"mcphost-go/internal/config"
	"mcphost-go/internal/secureenv"
)

// Dialer opens the transport for an already expanded descriptor.
// The transport is returned unstarted; the session starts it.
type Dialer interface {
	Dial(ctx context.Context, d *config.ServerDescriptor) (transport.Interface, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context, d *config.ServerDescriptor) (transport.Interface, error)

// Dial implements Dialer
func (f DialerFunc) Dial(ctx context.Context, d *config.ServerDescriptor) (transport.Interface, error) {
	return f(ctx, d)
}

// NetworkDialer opens stdio subprocess and streamable HTTP transports. Env filters the
// host environment of subprocesses; nil inherits the safe defaults.
type NetworkDialer struct {
	Env *secureenv.Builder
}

// Dial implements Dialer
func (n NetworkDialer) Dial(_ context.Context, d *config.ServerDescriptor) (transport.Interface, error) {
	switch d.TransportType() {
	case config.ProtocolStdio:
		env := n.Env
		if env == nil {
			env = secureenv.NewBuilder(nil, config.EncryptionKeyEnv)
		}
		return newStdioTransport(d, env), nil
	case config.ProtocolStreamableHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(d.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(d.Headers))
		}
		t, err := transport.NewStreamableHTTP(d.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create streamable HTTP transport: %w", err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", d.TransportType())
	}
}

// newStdioTransport builds the subprocess transport. The process environment is the
// filtered host environment plus the descriptor env, and WorkingDir is honored when set.
func newStdioTransport(d *config.ServerDescriptor, builder *secureenv.Builder) *transport.Stdio {
	env := builder.Environ(d.Env)
	if env == nil {
		// A nil Env would make exec inherit everything
		env = []string{}
	}
	workingDir := d.WorkingDir

	commandFunc := func(ctx context.Context, command string, _ []string, args []string) (*exec.Cmd, error) {
		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Env = env
		if workingDir != "" {
			if _, err := os.Stat(workingDir); err != nil {
				return nil, fmt.Errorf("working directory %s: %w", workingDir, err)
			}
			cmd.Dir = workingDir
		}
		return cmd, nil
	}

	return transport.NewStdioWithOptions(d.Command, env, d.Args, transport.WithCommandFunc(commandFunc))
}

// InProcessDialer serves descriptors from in-process MCP servers keyed by server ID.
// Used by tests and by embedders that host capability servers inside the process.
type InProcessDialer map[string]*server.MCPServer

// Dial implements Dialer
func (m InProcessDialer) Dial(_ context.Context, d *config.ServerDescriptor) (transport.Interface, error) {
	srv, ok := m[d.ID]
	if !ok {
		return nil, fmt.Errorf("no in-process server registered for %q", d.ID)
	}
	return transport.NewInProcessTransport(srv), nil
}
