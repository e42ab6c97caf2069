package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcphost-go/internal/config"
	"mcphost-go/internal/host"
	"mcphost-go/internal/hosterr"
	"mcphost-go/internal/httpapi"
	"mcphost-go/internal/router"
	"mcphost-go/internal/storage"
	"mcphost-go/internal/testutil"
	"mcphost-go/internal/upstream"
)

type runResult struct {
	stdout string
	stderr string
	err    error
}

func run(t *testing.T, args ...string) runResult {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCommand(config.NewViper())
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return runResult{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

// writeConfig writes a config with one in-process server per id and returns its path
func writeConfig(t *testing.T, dataDir string, ids ...string) string {
	t.Helper()
	servers := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		servers = append(servers, map[string]interface{}{"id": id, "protocol": "stdio", "command": "in-process"})
	}
	data, err := json.Marshal(map[string]interface{}{
		"data_dir":              dataDir,
		"mcpServers":            servers,
		"health_check_interval": "0s",
		"logging":               map[string]interface{}{"level": "error", "enable_console": true},
	})
	require.NoError(t, err)

	path := filepath.Join(dataDir, "mcphost.json")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func useInProcessServers(t *testing.T, ids ...string) {
	t.Helper()
	t.Setenv(config.EncryptionKeyEnv, strings.Repeat("k", 32))
	dialer := upstream.InProcessDialer{}
	for _, id := range ids {
		dialer[id] = testutil.NewCapabilityServer(id).MCPServer
	}
	testDialer = dialer
	t.Cleanup(func() { testDialer = nil })
}

func TestCall_InvokesTool(t *testing.T) {
	useInProcessServers(t, "alpha")
	cfgPath := writeConfig(t, t.TempDir(), "alpha")

	res := run(t, "call", testutil.ToolEcho, "--args", `{"msg":"hi"}`, "--config", cfgPath, "-o", "json")
	require.NoError(t, res.err, res.stderr)

	var result struct {
		ServerID string `json:"server_id"`
		Tool     struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"tool"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &result))
	assert.Equal(t, "alpha", result.ServerID)
	require.Len(t, result.Tool.Content, 1)
	assert.Equal(t, "alpha:hi", result.Tool.Content[0].Text)
}

func TestCall_TemplatedResource(t *testing.T) {
	useInProcessServers(t, "alpha")
	cfgPath := writeConfig(t, t.TempDir(), "alpha")

	res := run(t, "call", testutil.ResourceFiles, "--uri", "file:///data/notes.md", "--config", cfgPath, "--json")
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stdout, "contents of notes.md")
}

func TestCall_CapabilityNotFound(t *testing.T) {
	useInProcessServers(t, "alpha")
	cfgPath := writeConfig(t, t.TempDir(), "alpha")

	res := run(t, "call", "missing", "--config", cfgPath, "-o", "json")
	require.Error(t, res.err)
	assert.Equal(t, ExitCodeInvocationFailed, exitCodeOf(res.err))
	assert.True(t, hosterr.Is(res.err, hosterr.KindCapabilityNotFound))

	var se struct {
		Code      string `json:"code"`
		RequestID string `json:"request_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.stderr), &se))
	assert.Equal(t, "CAPABILITY_NOT_FOUND", se.Code)
	assert.NotEmpty(t, se.RequestID)
}

func TestCall_InvalidArgs(t *testing.T) {
	res := run(t, "call", "echo", "--args", "not-json")
	require.Error(t, res.err)
	assert.Equal(t, ExitCodeGeneralError, exitCodeOf(res.err))
	assert.Contains(t, res.stderr, "INVALID_INPUT")
}

func TestCall_UnknownServerSelection(t *testing.T) {
	useInProcessServers(t, "alpha")
	cfgPath := writeConfig(t, t.TempDir(), "alpha")

	res := run(t, "call", "echo", "--server", "ghost", "--config", cfgPath)
	require.Error(t, res.err)
	assert.Equal(t, ExitCodeConfigError, exitCodeOf(res.err))
}

// startAPI registers in-process servers on a real host and serves its discovery API
func startAPI(t *testing.T, ids ...string) string {
	t.Helper()
	dialer := upstream.InProcessDialer{}
	for _, id := range ids {
		dialer[id] = testutil.NewCapabilityServer(id).MCPServer
	}
	cfg := config.DefaultConfig()
	cfg.HealthCheckInterval = 0
	t.Setenv(config.EncryptionKeyEnv, strings.Repeat("k", 32))

	h, err := host.New(host.Deps{Config: cfg, Logger: zap.NewNop(), Dialer: dialer})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })
	for _, id := range ids {
		_, err := h.RegisterServer(context.Background(), &config.ServerDescriptor{ID: id, Protocol: config.ProtocolStdio, Command: "in-process"})
		require.NoError(t, err)
	}

	ts := httptest.NewServer(httpapi.NewServer(h, zap.NewNop(), nil))
	t.Cleanup(ts.Close)
	return ts.URL
}

func TestCapabilities_ViaAPI(t *testing.T) {
	api := startAPI(t, "alpha", "beta")

	res := run(t, "capabilities", "--api", api, "--kind", "tool", "-o", "json")
	require.NoError(t, res.err, res.stderr)
	var records []router.Record
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &records))
	require.NotEmpty(t, records)
	for _, rec := range records {
		assert.Equal(t, router.KindTool, rec.Kind)
	}

	res = run(t, "capabilities", testutil.ToolEcho, "--api", api, "-o", "table")
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stdout, "NAME")
	assert.Contains(t, res.stdout, "alpha")
	assert.Contains(t, res.stdout, "beta")

	res = run(t, "capabilities", "missing", "--api", api, "-o", "json")
	require.Error(t, res.err)
	assert.Contains(t, res.stderr, "CAPABILITY_NOT_FOUND")
}

func TestServers_ViaAPI(t *testing.T) {
	api := startAPI(t, "alpha")

	res := run(t, "servers", "--api", api, "-o", "table")
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stdout, "alpha")
	assert.Contains(t, res.stdout, "Ready")

	res = run(t, "servers", "alpha", "--api", api, "--json")
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stdout, `"state": "Ready"`)

	res = run(t, "servers", "ghost", "--api", api, "--json")
	require.Error(t, res.err)
	assert.Contains(t, res.stderr, "NOT_CONNECTED")
}

func TestServers_NoAPIConfigured(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir())

	res := run(t, "servers", "--config", cfgPath)
	require.Error(t, res.err)
	assert.Equal(t, ExitCodeHostNotRunning, exitCodeOf(res.err))
	assert.Contains(t, res.stderr, "HOST_NOT_RUNNING")
}

func TestServers_HostDown(t *testing.T) {
	res := run(t, "servers", "--api", "127.0.0.1:1", "--config", writeConfig(t, t.TempDir()))
	require.Error(t, res.err)
	assert.Equal(t, ExitCodeHostNotRunning, exitCodeOf(res.err))
}

func TestAuditTail_Offline(t *testing.T) {
	dataDir := t.TempDir()
	cfgPath := writeConfig(t, dataDir)

	store, err := storage.OpenAuditStore(storage.AuditPath(dataDir), 0, zap.NewNop())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Save(&storage.AuditRecord{
			Type:       storage.AuditTypeInvocation,
			ServerID:   "alpha",
			Capability: fmt.Sprintf("cap-%d", i),
			Status:     storage.AuditStatusSuccess,
		}))
	}

	// A live writer holds the lock
	res := run(t, "audit", "tail", "--offline", "--config", cfgPath)
	require.Error(t, res.err)
	assert.Equal(t, ExitCodeDBLocked, exitCodeOf(res.err))
	require.NoError(t, store.Close())

	res = run(t, "audit", "tail", "--offline", "-n", "2", "--config", cfgPath, "-o", "json")
	require.NoError(t, res.err, res.stderr)
	var records []storage.AuditRecord
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &records))
	require.Len(t, records, 2)
	assert.Equal(t, "cap-2", records[0].Capability)

	res = run(t, "audit", "tail", "--offline", "--config", cfgPath, "-o", "table")
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stdout, "cap-0")
}

func TestExitCodeOf(t *testing.T) {
	assert.Equal(t, ExitCodeSuccess, exitCodeOf(nil))
	assert.Equal(t, ExitCodeGeneralError, exitCodeOf(errors.New("boom")))
	assert.Equal(t, ExitCodePortConflict, exitCodeOf(errors.New("listen tcp :80: bind: Address already in use")))
	assert.Equal(t, ExitCodeInvocationFailed, exitCodeOf(fmt.Errorf("wrapped: %w", hosterr.NotFound("x"))))
	assert.Equal(t, ExitCodeDBLocked, exitCodeOf(&exitError{code: ExitCodeDBLocked, err: errors.New("locked")}))
	assert.Equal(t, "Host not running", exitCodeDescription(ExitCodeHostNotRunning))
}
