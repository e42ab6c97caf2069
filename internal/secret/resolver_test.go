package secret

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcphost-go/internal/config"
	"mcphost-go/internal/hosterr"
	"mcphost-go/internal/vault"
)

type grants map[string][]string

func (g grants) IsAllowed(serverID, credType string) bool {
	for _, t := range g[serverID] {
		if t == credType {
			return true
		}
	}
	return false
}

func newVault(t *testing.T, perms vault.PermissionChecker) *vault.Vault {
	cfg := config.DefaultVaultConfig()
	cfg.SweepInterval = 0
	v, err := vault.New(cfg, perms, zap.NewNop(), vault.WithKey([]byte(strings.Repeat("x", vault.KeySize))))
	require.NoError(t, err)
	t.Cleanup(v.Shutdown)
	return v
}

func mapEnv(m map[string]string) *EnvSource {
	return &EnvSource{lookup: func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}}
}

func TestFindPlaceholders(t *testing.T) {
	got := FindPlaceholders("--user {USER} --pw {DB_PASSWORD} {not valid} {1X} {_ok}")
	names := make([]string, len(got))
	for i, p := range got {
		names[i] = p.Name
	}
	assert.Equal(t, []string{"USER", "DB_PASSWORD", "_ok"}, names)
	assert.False(t, HasPlaceholders("no braces here"))
	assert.False(t, HasPlaceholders(`{"json": true}`))
}

func TestExpand_SourceOrder(t *testing.T) {
	v := newVault(t, grants{"db": {"postgres"}})
	id, err := v.Store("from-vault", vault.WithType("postgres"))
	require.NoError(t, err)
	token, err := v.IssueToken(id, time.Minute)
	require.NoError(t, err)

	r := NewResolver(
		NewCredentialSource(v, "db", map[string]vault.AccessToken{"DB_PASSWORD": token}),
		NewTokenSource(v, "db"),
		mapEnv(map[string]string{"DB_PASSWORD": "from-env", "HOME_DIR": "/home/x"}),
	)

	out, err := r.Expand(context.Background(), "pw={DB_PASSWORD} home={HOME_DIR} lit={"+string(token)+"}")
	require.NoError(t, err)
	assert.Equal(t, "pw=from-vault home=/home/x lit=from-vault", out)
}

func TestExpand_ValuesAreNotReexpanded(t *testing.T) {
	r := NewResolver(mapEnv(map[string]string{"A": "{B}", "B": "nope"}))
	out, err := r.Expand(context.Background(), "{A}")
	require.NoError(t, err)
	assert.Equal(t, "{B}", out)
}

func TestExpand_Unresolved(t *testing.T) {
	r := NewResolver(mapEnv(nil))
	_, err := r.Expand(context.Background(), "x {MISSING}")
	require.Error(t, err)
	assert.True(t, errors.Is(err, hosterr.ErrUnresolved))
	assert.True(t, hosterr.Is(err, hosterr.KindCredentialResolution))
}

func TestExpand_EmptyEnvIsUnresolved(t *testing.T) {
	r := NewResolver(mapEnv(map[string]string{"EMPTY": ""}))
	_, err := r.Expand(context.Background(), "{EMPTY}")
	assert.True(t, errors.Is(err, hosterr.ErrUnresolved))
}

func TestExpand_PermissionDeniedStops(t *testing.T) {
	v := newVault(t, grants{}) // no grants at all
	id, err := v.Store("top-secret-value", vault.WithType("postgres"))
	require.NoError(t, err)
	token, err := v.IssueToken(id, time.Minute)
	require.NoError(t, err)

	r := NewResolver(
		NewCredentialSource(v, "web", map[string]vault.AccessToken{"PW": token}),
		mapEnv(map[string]string{"PW": "env-fallback"}),
	)
	_, err = r.Expand(context.Background(), "{PW}")
	require.Error(t, err)
	assert.True(t, errors.Is(err, hosterr.ErrPermissionDenied))
	assert.NotContains(t, err.Error(), "top-secret-value")
}

func TestExpand_UnknownLiteralToken(t *testing.T) {
	v := newVault(t, grants{})
	r := NewResolver(NewTokenSource(v, "db"))

	_, err := r.Expand(context.Background(), "{vtk_"+strings.Repeat("a", 64)+"}")
	assert.True(t, errors.Is(err, hosterr.ErrTokenUnknown))
}

func TestExpand_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewResolver(mapEnv(map[string]string{"A": "1"})).Expand(ctx, "{A}")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExpandDescriptor(t *testing.T) {
	r := NewResolver(mapEnv(map[string]string{
		"BIN":   "/usr/bin/server",
		"TOKEN": "t0k3n",
		"HOST":  "api.local",
	}))

	d := &config.ServerDescriptor{
		ID:      "remote",
		Command: "{BIN}",
		Args:    []string{"--token", "{TOKEN}"},
		Env:     map[string]string{"API_TOKEN": "{TOKEN}", "PLAIN": "x"},
		URL:     "https://{HOST}/mcp",
		Headers: map[string]string{"Authorization": "Bearer {TOKEN}"},
	}

	out, err := r.ExpandDescriptor(context.Background(), d)
	require.NoError(t, err)

	assert.Equal(t, "/usr/bin/server", out.Command)
	assert.Equal(t, []string{"--token", "t0k3n"}, out.Args)
	assert.Equal(t, "t0k3n", out.Env["API_TOKEN"])
	assert.Equal(t, "x", out.Env["PLAIN"])
	assert.Equal(t, "https://api.local/mcp", out.URL)
	assert.Equal(t, "Bearer t0k3n", out.Headers["Authorization"])

	// original untouched
	assert.Equal(t, "{TOKEN}", d.Args[1])
	assert.Equal(t, "Bearer {TOKEN}", d.Headers["Authorization"])
}

func TestExpandDescriptor_ReportsField(t *testing.T) {
	r := NewResolver(mapEnv(nil))
	_, err := r.ExpandDescriptor(context.Background(), &config.ServerDescriptor{
		ID:      "x",
		URL:     "http://h",
		Headers: map[string]string{"X-Key": "{NOPE}"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "headers.X-Key")
}
