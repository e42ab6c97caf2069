package upstream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcphost-go/internal/config"
	"mcphost-go/internal/hosterr"
	"mcphost-go/internal/router"
	"mcphost-go/internal/testutil"
	"mcphost-go/internal/upstream/types"
	"mcphost-go/internal/vault"
)

type grantMap map[string][]string

func (g grantMap) IsAllowed(serverID, credType string) bool {
	for _, t := range g[serverID] {
		if t == credType {
			return true
		}
	}
	return false
}

func newTestVault(t *testing.T, perms vault.PermissionChecker) *vault.Vault {
	cfg := config.DefaultVaultConfig()
	cfg.SweepInterval = 0
	v, err := vault.New(cfg, perms, zap.NewNop(), vault.WithKey([]byte(strings.Repeat("p", vault.KeySize))))
	require.NoError(t, err)
	t.Cleanup(v.Shutdown)
	return v
}

func testConfig() *config.HostConfig {
	cfg := config.DefaultConfig()
	cfg.HealthCheckInterval = 0
	cfg.CallTimeout = config.Duration(5 * time.Second)
	cfg.ConnectTimeout = config.Duration(5 * time.Second)
	_ = cfg.Validate()
	return cfg
}

func descriptor(id string) *config.ServerDescriptor {
	return &config.ServerDescriptor{ID: id, Protocol: config.ProtocolStdio, Command: "in-process"}
}

func newInProcessPool(t *testing.T, cfg *config.HostConfig, v CredentialVault, servers map[string]*testutil.CapabilityServer) *Pool {
	dialer := InProcessDialer{}
	for id, srv := range servers {
		dialer[id] = srv.MCPServer
	}
	p := NewPool(cfg, v, zap.NewNop(), WithDialer(dialer))
	t.Cleanup(func() { _ = p.DisconnectAll(context.Background()) })
	return p
}

func TestPool_ConnectInvokeDisconnect(t *testing.T) {
	v := newTestVault(t, grantMap{})
	p := newInProcessPool(t, testConfig(), v, map[string]*testutil.CapabilityServer{
		"alpha": testutil.NewCapabilityServer("alpha"),
	})

	var closed []string
	p.OnClosed(func(serverID string, reason error) {
		assert.NoError(t, reason)
		closed = append(closed, serverID)
	})

	s, err := p.Connect(context.Background(), descriptor("alpha"))
	require.NoError(t, err)
	assert.Equal(t, types.StateReady, s.State())
	assert.Equal(t, "alpha", s.Health().ServerName)

	names := map[string]router.Kind{}
	for _, rec := range s.Records() {
		names[rec.Name] = rec.Kind
		assert.Equal(t, "alpha", rec.ServerID)
		assert.NotEmpty(t, rec.Hash)
	}
	assert.Equal(t, router.KindTool, names[testutil.ToolEcho])
	assert.Equal(t, router.KindPrompt, names[testutil.PromptGreet])
	assert.Equal(t, router.KindResource, names[testutil.ResourceDoc])
	assert.Equal(t, router.KindResource, names[testutil.ResourceFiles])

	result, err := p.Invoke(context.Background(), "alpha", Call{
		Kind:      router.KindTool,
		Name:      testutil.ToolEcho,
		Arguments: map[string]interface{}{"msg": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "alpha:hi", testutil.ToolText(result.Tool))
	assert.Equal(t, "alpha", result.ServerID)

	require.NoError(t, p.Disconnect(context.Background(), "alpha"))
	assert.Equal(t, []string{"alpha"}, closed)
	assert.Equal(t, types.StateClosed, s.State())

	_, err = p.Invoke(context.Background(), "alpha", Call{Kind: router.KindTool, Name: testutil.ToolEcho})
	assert.True(t, hosterr.Is(err, hosterr.KindNotConnected))
	assert.True(t, errors.Is(err, hosterr.ErrNotConnected))

	err = p.Disconnect(context.Background(), "alpha")
	assert.True(t, hosterr.Is(err, hosterr.KindNotConnected))
}

func TestPool_PromptAndResourceInvocations(t *testing.T) {
	p := newInProcessPool(t, testConfig(), newTestVault(t, grantMap{}), map[string]*testutil.CapabilityServer{
		"alpha": testutil.NewCapabilityServer("alpha"),
	})
	_, err := p.Connect(context.Background(), descriptor("alpha"))
	require.NoError(t, err)

	prompt, err := p.Invoke(context.Background(), "alpha", Call{
		Kind:      router.KindPrompt,
		Name:      testutil.PromptGreet,
		Arguments: map[string]interface{}{"who": "ada"},
	})
	require.NoError(t, err)
	require.NotNil(t, prompt.Prompt)
	require.Len(t, prompt.Prompt.Messages, 1)
	text, ok := mcp.AsTextContent(prompt.Prompt.Messages[0].Content)
	require.True(t, ok)
	assert.Equal(t, "Hello, ada", text.Text)

	doc, err := p.Invoke(context.Background(), "alpha", Call{Kind: router.KindResource, Name: testutil.ResourceDoc})
	require.NoError(t, err)
	require.NotNil(t, doc.Resource)
	require.Len(t, doc.Resource.Contents, 1)

	file, err := p.Invoke(context.Background(), "alpha", Call{
		Kind: router.KindResource,
		Name: testutil.ResourceFiles,
		URI:  "file:///data/notes.md",
	})
	require.NoError(t, err)
	contents, ok := file.Resource.Contents[0].(mcp.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, "contents of notes.md", contents.Text)
}

func TestPool_DescriptorFiltersCapabilities(t *testing.T) {
	p := newInProcessPool(t, testConfig(), newTestVault(t, grantMap{}), map[string]*testutil.CapabilityServer{
		"alpha": testutil.NewCapabilityServer("alpha"),
	})
	d := descriptor("alpha")
	d.Capabilities = []string{config.CapabilityTools}
	d.ExcludedCapabilities = []string{testutil.ToolSlow}
	d.CapabilityWeights = map[string]float64{testutil.ToolEcho: 0.25}

	s, err := p.Connect(context.Background(), d)
	require.NoError(t, err)

	for _, rec := range s.Records() {
		assert.Equal(t, router.KindTool, rec.Kind)
		assert.NotEqual(t, testutil.ToolSlow, rec.Name)
		if rec.Name == testutil.ToolEcho {
			assert.Equal(t, 0.25, rec.Weight)
		} else {
			assert.Equal(t, config.DefaultRoutingWeight, rec.Weight)
		}
	}
}

func TestPool_SameNameToolAndPromptKeepsTool(t *testing.T) {
	srv := testutil.NewCapabilityServer("alpha")
	srv.MCPServer.AddPrompt(mcp.NewPrompt(testutil.ToolEcho, mcp.WithPromptDescription("Shadowed by the tool")),
		func(_ context.Context, _ mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
			return mcp.NewGetPromptResult("echo", nil), nil
		})
	p := newInProcessPool(t, testConfig(), newTestVault(t, grantMap{}), map[string]*testutil.CapabilityServer{"alpha": srv})

	s, err := p.Connect(context.Background(), descriptor("alpha"))
	require.NoError(t, err)

	var kinds []router.Kind
	for _, rec := range s.Records() {
		if rec.Name == testutil.ToolEcho {
			kinds = append(kinds, rec.Kind)
		}
	}
	assert.Equal(t, []router.Kind{router.KindTool}, kinds)

	r := router.New()
	r.RegisterAll(s.Records())
	recs := r.Records(testutil.ToolEcho)
	require.Len(t, recs, 1)
	assert.Equal(t, router.KindTool, recs[0].Kind)
}

func TestPool_InvokeTimeoutDegradesThenRecovers(t *testing.T) {
	p := newInProcessPool(t, testConfig(), newTestVault(t, grantMap{}), map[string]*testutil.CapabilityServer{
		"alpha": testutil.NewCapabilityServer("alpha"),
	})
	s, err := p.Connect(context.Background(), descriptor("alpha"))
	require.NoError(t, err)

	_, err = p.Invoke(context.Background(), "alpha", Call{
		Kind:      router.KindTool,
		Name:      testutil.ToolSlow,
		Arguments: map[string]interface{}{"delay_ms": 2000},
		Timeout:   50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, hosterr.Is(err, hosterr.KindInvocationTimeout))
	assert.True(t, errors.Is(err, hosterr.ErrInvocationTimeout))
	assert.Equal(t, types.StateDegraded, s.State(), "a timeout degrades but never closes")

	_, err = p.Invoke(context.Background(), "alpha", Call{
		Kind:      router.KindTool,
		Name:      testutil.ToolEcho,
		Arguments: map[string]interface{}{"msg": "again"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.StateReady, s.State())
}

func TestPool_CallerCancellationLeavesHealth(t *testing.T) {
	p := newInProcessPool(t, testConfig(), newTestVault(t, grantMap{}), map[string]*testutil.CapabilityServer{
		"alpha": testutil.NewCapabilityServer("alpha"),
	})
	s, err := p.Connect(context.Background(), descriptor("alpha"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	start := time.Now()
	_, err = p.Invoke(ctx, "alpha", Call{
		Kind:      router.KindTool,
		Name:      testutil.ToolSlow,
		Arguments: map[string]interface{}{"delay_ms": 5000},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, types.StateReady, s.State())
}

func TestPool_ServerReportedFailures(t *testing.T) {
	p := newInProcessPool(t, testConfig(), newTestVault(t, grantMap{}), map[string]*testutil.CapabilityServer{
		"alpha": testutil.NewCapabilityServer("alpha"),
	})
	s, err := p.Connect(context.Background(), descriptor("alpha"))
	require.NoError(t, err)

	_, err = p.Invoke(context.Background(), "alpha", Call{Kind: router.KindTool, Name: testutil.ToolFail})
	require.Error(t, err)
	var herr *hosterr.Error
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, hosterr.KindInvocationError, herr.Kind)
	assert.Equal(t, testutil.ToolFail, herr.Capability)
	payload, ok := herr.Payload.(*mcp.CallToolResult)
	require.True(t, ok)
	assert.True(t, payload.IsError)
	assert.Contains(t, err.Error(), "boom")

	_, err = p.Invoke(context.Background(), "alpha", Call{Kind: router.KindTool, Name: "no-such-tool"})
	require.Error(t, err)
	assert.True(t, hosterr.Is(err, hosterr.KindInvocationError))

	assert.Equal(t, types.StateReady, s.State())
}

func TestPool_DuplicateConnect(t *testing.T) {
	p := newInProcessPool(t, testConfig(), newTestVault(t, grantMap{}), map[string]*testutil.CapabilityServer{
		"alpha": testutil.NewCapabilityServer("alpha"),
	})
	_, err := p.Connect(context.Background(), descriptor("alpha"))
	require.NoError(t, err)

	_, err = p.Connect(context.Background(), descriptor("alpha"))
	require.Error(t, err)
	assert.True(t, hosterr.Is(err, hosterr.KindConnection))
	assert.Contains(t, err.Error(), "already connected")
}

func TestPool_ConnectFailureRetainsNothing(t *testing.T) {
	const secretValue = "s3cret-value-never-logged"

	v := newTestVault(t, grantMap{"broken": {"api_key"}})
	dialed := 0
	p := NewPool(testConfig(), v, zap.NewNop(), WithDialer(DialerFunc(
		func(_ context.Context, d *config.ServerDescriptor) (transport.Interface, error) {
			dialed++
			assert.Equal(t, secretValue, d.Env["API_TOKEN"], "placeholders are expanded before dialing")
			return nil, errors.New("connection refused")
		})))

	d := descriptor("broken")
	d.Env = map[string]string{"API_TOKEN": "{TOKEN}"}
	d.Credentials = []config.CredentialSpec{{Name: "TOKEN", Type: "api_key", Value: secretValue}}

	_, err := p.Connect(context.Background(), d)
	require.Error(t, err)
	assert.True(t, hosterr.Is(err, hosterr.KindConnection))
	assert.NotContains(t, err.Error(), secretValue)
	assert.Equal(t, 1, dialed)

	_, ok := p.Session("broken")
	assert.False(t, ok, "a failed connect leaves no session behind")
	assert.Equal(t, 0, v.Stats().Credentials, "credentials stored for the attempt are purged")
}

func TestPool_ConnectCredentialDenied(t *testing.T) {
	const secretValue = "postgres://admin:hunter2@db:5432/app"

	v := newTestVault(t, grantMap{})
	p := NewPool(testConfig(), v, zap.NewNop(), WithDialer(DialerFunc(
		func(context.Context, *config.ServerDescriptor) (transport.Interface, error) {
			t.Fatal("dial must not happen when credentials cannot be resolved")
			return nil, nil
		})))

	d := descriptor("db")
	d.Args = []string{"--dsn", "{DSN}"}
	d.Credentials = []config.CredentialSpec{{Name: "DSN", Type: "database_connection", Value: secretValue}}

	_, err := p.Connect(context.Background(), d)
	require.Error(t, err)
	assert.True(t, hosterr.Is(err, hosterr.KindCredentialResolution))
	assert.True(t, errors.Is(err, hosterr.ErrPermissionDenied))
	assert.NotContains(t, err.Error(), "hunter2")
	assert.Equal(t, 0, v.Stats().Credentials)
}

func TestPool_UnresolvedPlaceholder(t *testing.T) {
	p := NewPool(testConfig(), newTestVault(t, grantMap{}), zap.NewNop(), WithDialer(InProcessDialer{}))

	d := descriptor("env")
	d.Args = []string{"{MCPHOST_TEST_SURELY_UNSET_VARIABLE}"}

	_, err := p.Connect(context.Background(), d)
	require.Error(t, err)
	assert.True(t, hosterr.Is(err, hosterr.KindCredentialResolution))
	assert.True(t, errors.Is(err, hosterr.ErrUnresolved))
	assert.False(t, err.(*hosterr.Error).Retryable())
}

// stallTransport accepts requests and never answers them
type stallTransport struct{}

func (stallTransport) Start(context.Context) error { return nil }
func (stallTransport) SendRequest(ctx context.Context, _ transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (stallTransport) SendNotification(context.Context, mcp.JSONRPCNotification) error { return nil }
func (stallTransport) SetNotificationHandler(func(mcp.JSONRPCNotification))           {}
func (stallTransport) Close() error                                                   { return nil }
func (stallTransport) GetSessionId() string                                           { return "" }

func TestPool_ConnectTimeout(t *testing.T) {
	cfg := testConfig()
	p := NewPool(cfg, newTestVault(t, grantMap{}), zap.NewNop(), WithDialer(DialerFunc(
		func(context.Context, *config.ServerDescriptor) (transport.Interface, error) {
			return stallTransport{}, nil
		})))

	d := descriptor("stuck")
	d.ConnectTimeout = config.Duration(50 * time.Millisecond)

	_, err := p.Connect(context.Background(), d)
	require.Error(t, err)
	assert.True(t, hosterr.Is(err, hosterr.KindTimeout))
	assert.True(t, errors.Is(err, hosterr.ErrConnectTimeout))

	_, ok := p.Session("stuck")
	assert.False(t, ok, "a connect timeout never yields a retained session")
}

func TestPool_StreamableHTTPWithExpandedHeaders(t *testing.T) {
	fixture := testutil.NewCapabilityServer("remote")
	ts := server.NewTestStreamableHTTPServer(fixture.MCPServer)
	defer ts.Close()

	v := newTestVault(t, grantMap{"remote": {"bearer"}})
	p := NewPool(testConfig(), v, zap.NewNop())
	defer func() { _ = p.DisconnectAll(context.Background()) }()

	d := &config.ServerDescriptor{
		ID:          "remote",
		Protocol:    config.ProtocolHTTP,
		URL:         ts.URL,
		Headers:     map[string]string{"Authorization": "Bearer {API_TOKEN}"},
		Credentials: []config.CredentialSpec{{Name: "API_TOKEN", Type: "bearer", Value: "tok-123"}},
	}

	_, err := p.Connect(context.Background(), d)
	require.NoError(t, err)

	result, err := p.Invoke(context.Background(), "remote", Call{Kind: router.KindTool, Name: testutil.ToolWhoAmI})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-123", testutil.ToolText(result.Tool))

	s, ok := p.Session("remote")
	require.True(t, ok)
	assert.Equal(t, "Bearer {API_TOKEN}", s.Descriptor().Headers["Authorization"], "the session keeps the unexpanded descriptor")

	require.NoError(t, p.Disconnect(context.Background(), "remote"))
	assert.Equal(t, 0, v.Stats().Credentials, "disconnect purges owned credentials")
}

func TestPool_DisconnectAll(t *testing.T) {
	p := newInProcessPool(t, testConfig(), newTestVault(t, grantMap{}), map[string]*testutil.CapabilityServer{
		"alpha": testutil.NewCapabilityServer("alpha"),
		"beta":  testutil.NewCapabilityServer("beta"),
		"gamma": testutil.NewCapabilityServer("gamma"),
	})

	var mu sync.Mutex
	closed := map[string]bool{}
	p.OnClosed(func(serverID string, _ error) {
		mu.Lock()
		closed[serverID] = true
		mu.Unlock()
	})

	for _, id := range []string{"alpha", "beta", "gamma"} {
		_, err := p.Connect(context.Background(), descriptor(id))
		require.NoError(t, err)
	}
	assert.Len(t, p.Sessions(), 3)

	require.NoError(t, p.DisconnectAll(context.Background()))
	assert.Empty(t, p.Sessions())
	assert.Len(t, closed, 3)
}

// flakyTransport fails every request once broken is set
type flakyTransport struct {
	transport.Interface
	broken *atomic.Bool
}

func (f flakyTransport) SendRequest(ctx context.Context, req transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	if f.broken.Load() {
		return nil, errors.New("pipe closed")
	}
	return f.Interface.SendRequest(ctx, req)
}

func TestPool_MonitorTearsDownUnreachableServer(t *testing.T) {
	cfg := testConfig()
	cfg.HealthCheckInterval = config.Duration(20 * time.Millisecond)
	cfg.MaxPingFailures = 2

	fixture := testutil.NewCapabilityServer("alpha")
	broken := &atomic.Bool{}
	p := NewPool(cfg, newTestVault(t, grantMap{}), zap.NewNop(), WithDialer(DialerFunc(
		func(context.Context, *config.ServerDescriptor) (transport.Interface, error) {
			return flakyTransport{Interface: transport.NewInProcessTransport(fixture.MCPServer), broken: broken}, nil
		})))
	defer func() { _ = p.DisconnectAll(context.Background()) }()

	var mu sync.Mutex
	var states []types.HealthState
	p.OnStateChange(func(_ string, _, newState types.HealthState) {
		mu.Lock()
		states = append(states, newState)
		mu.Unlock()
	})
	reasons := make(chan error, 1)
	p.OnClosed(func(_ string, reason error) { reasons <- reason })

	_, err := p.Connect(context.Background(), descriptor("alpha"))
	require.NoError(t, err)

	broken.Store(true)

	select {
	case reason := <-reasons:
		require.Error(t, reason)
		assert.Contains(t, reason.Error(), "health checks failed")
	case <-time.After(5 * time.Second):
		t.Fatal("session was not torn down")
	}

	// The slot is released once the close listeners have returned
	require.Eventually(t, func() bool {
		_, ok := p.Session("alpha")
		return !ok
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []types.HealthState{types.StateReady, types.StateDegraded, types.StateClosed}, states)
}

func TestSubprocessEnvDeniesVaultKey(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Vault.KeyEnv = "CUSTOM_VAULT_KEY"
	cfg.SubprocessEnv = &config.EnvConfig{InheritSystemSafe: true, AllowedSystemVars: []string{"*"}}

	env := subprocessEnv(cfg)
	assert.False(t, env.Allowed("CUSTOM_VAULT_KEY"))
	assert.False(t, env.Allowed(config.EncryptionKeyEnv))
	assert.True(t, env.Allowed("HOME"))
}

func TestPromptArguments(t *testing.T) {
	args := promptArguments(map[string]interface{}{"s": "x", "n": 3, "nil": nil, "list": []int{1, 2}})
	assert.Equal(t, map[string]string{"s": "x", "n": "3", "nil": "", "list": "[1,2]"}, args)
}
