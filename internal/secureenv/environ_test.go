package secureenv

import (
	"os"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphost-go/internal/config"
)

func fixedEnv(b *Builder, env ...string) *Builder {
	b.environ = func() []string { return env }
	return b
}

func lookup(env []string, key string) (string, bool) {
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v, true
		}
	}
	return "", false
}

func TestEnviron_FiltersHostVariables(t *testing.T) {
	b := fixedEnv(NewBuilder(nil, config.EncryptionKeyEnv),
		"HOME=/home/u",
		"LC_ALL=C",
		"AWS_SECRET_ACCESS_KEY=hunter2",
		config.EncryptionKeyEnv+"=vault-key",
		"PATH=/usr/local/bin:/usr/bin:/bin",
	)

	env := b.Environ(map[string]string{"API_TOKEN": "from-descriptor"})

	home, ok := lookup(env, "HOME")
	assert.True(t, ok)
	assert.Equal(t, "/home/u", home)
	_, ok = lookup(env, "LC_ALL")
	assert.True(t, ok, "wildcard entries match by prefix")
	_, ok = lookup(env, "AWS_SECRET_ACCESS_KEY")
	assert.False(t, ok)
	_, ok = lookup(env, config.EncryptionKeyEnv)
	assert.False(t, ok)

	token, _ := lookup(env, "API_TOKEN")
	assert.Equal(t, "from-descriptor", token)
	assert.True(t, sortedKeys(env))
}

func TestEnviron_DeniedBeatsAllowlist(t *testing.T) {
	cfg := &config.EnvConfig{InheritSystemSafe: true, AllowedSystemVars: []string{"MCPHOST_*"}}
	b := fixedEnv(NewBuilder(cfg, config.EncryptionKeyEnv),
		"MCPHOST_LOG_LEVEL=debug",
		config.EncryptionKeyEnv+"=vault-key",
	)

	assert.True(t, b.Allowed("MCPHOST_LOG_LEVEL"))
	assert.False(t, b.Allowed(config.EncryptionKeyEnv))
	assert.False(t, b.Allowed(strings.ToLower(config.EncryptionKeyEnv)))

	inherited, total := b.FilteredCount()
	assert.Equal(t, 1, inherited)
	assert.Equal(t, 2, total)
}

func TestEnviron_NoInheritance(t *testing.T) {
	b := fixedEnv(NewBuilder(&config.EnvConfig{InheritSystemSafe: false}), "HOME=/home/u", "PATH=/bin")
	assert.Nil(t, b.Environ(nil))
	assert.Equal(t, []string{"A=1", "B=2"}, b.Environ(map[string]string{"B": "2", "A": "1"}))
}

func TestEnviron_DescriptorOverridesHost(t *testing.T) {
	b := fixedEnv(NewBuilder(nil), "HOME=/home/u")
	env := b.Environ(map[string]string{"HOME": "/srv/app"})
	home, _ := lookup(env, "HOME")
	assert.Equal(t, "/srv/app", home)
}

func TestEnhancePath(t *testing.T) {
	if runtime.GOOS == osWindows {
		t.Skip("unix path layout")
	}
	dir := t.TempDir()
	b := NewBuilder(&config.EnvConfig{InheritSystemSafe: true, AllowedSystemVars: []string{"PATH"}, EnhancePath: true})
	b.discovered = []string{dir, "/usr/bin"}

	assert.Equal(t, dir+":/usr/bin:/bin", b.enhancePath("/usr/bin:/bin"))
	assert.Equal(t, "/usr/local/bin:/usr/bin", b.enhancePath("/usr/local/bin:/usr/bin"), "a full PATH is kept")
	assert.Equal(t, dir+":/usr/bin", b.enhancePath(""))

	b.cfg.EnhancePath = false
	assert.Equal(t, "/usr/bin:/bin", b.enhancePath("/usr/bin:/bin"))
}

func TestDiscoverPathsExist(t *testing.T) {
	for _, p := range discoverPaths() {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func sortedKeys(env []string) bool {
	for i := 1; i < len(env); i++ {
		if env[i-1] > env[i] {
			return false
		}
	}
	return true
}
