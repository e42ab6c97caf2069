// Package secureenv builds the environment of stdio capability servers from an
// allowlist of host variables, so host secrets such as the vault key never reach them.
package secureenv

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"mcphost-go/internal/config"
)

const osWindows = "windows"

// DefaultEnvConfig returns the safe system variables inherited by default
func DefaultEnvConfig() *config.EnvConfig {
	allowed := []string{
		"PATH", "HOME", "TMPDIR", "TEMP", "TMP",
		"SHELL", "TERM", "LANG", "USER", "USERNAME",
		"LC_*",
	}
	if runtime.GOOS == osWindows {
		allowed = append(allowed,
			"USERPROFILE", "APPDATA", "LOCALAPPDATA",
			"PROGRAMFILES", "SYSTEMROOT", "COMSPEC",
		)
	} else {
		allowed = append(allowed, "XDG_CONFIG_HOME", "XDG_DATA_HOME", "XDG_CACHE_HOME", "XDG_RUNTIME_DIR")
	}
	return &config.EnvConfig{
		InheritSystemSafe: true,
		AllowedSystemVars: allowed,
	}
}

// Builder renders subprocess environments. It is immutable and safe for concurrent use.
type Builder struct {
	cfg        *config.EnvConfig
	denied     map[string]struct{}
	discovered []string
	environ    func() []string
}

// NewBuilder creates a builder for cfg, or the defaults when cfg is nil. Variables in
// denied are never inherited, whatever the allowlist says.
func NewBuilder(cfg *config.EnvConfig, denied ...string) *Builder {
	if cfg == nil {
		cfg = DefaultEnvConfig()
	}
	b := &Builder{
		cfg:     cfg,
		denied:  make(map[string]struct{}, len(denied)),
		environ: os.Environ,
	}
	for _, key := range denied {
		if key != "" {
			b.denied[strings.ToUpper(key)] = struct{}{}
		}
	}
	if cfg.InheritSystemSafe {
		b.discovered = discoverPaths()
	}
	return b
}

// Environ returns the inherited host variables overlaid with extra, as sorted KEY=VALUE
// pairs. extra always wins and is never filtered.
func (b *Builder) Environ(extra map[string]string) []string {
	vars := make(map[string]string)
	if b.cfg.InheritSystemSafe {
		for _, kv := range b.environ() {
			key, value, ok := strings.Cut(kv, "=")
			if !ok || !b.Allowed(key) {
				continue
			}
			vars[key] = value
		}
		if path, ok := pathValue(vars); ok || len(b.discovered) > 0 {
			vars[pathKey(vars)] = b.enhancePath(path)
		}
	}
	for k, v := range extra {
		vars[k] = v
	}
	if len(vars) == 0 {
		return nil
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}

// Allowed reports whether the host variable key is inherited
func (b *Builder) Allowed(key string) bool {
	if _, denied := b.denied[strings.ToUpper(key)]; denied {
		return false
	}
	for _, allowed := range b.cfg.AllowedSystemVars {
		if prefix, ok := strings.CutSuffix(allowed, "*"); ok {
			if strings.HasPrefix(key, prefix) {
				return true
			}
		} else if strings.EqualFold(allowed, key) {
			return true
		}
	}
	return false
}

// FilteredCount returns how many host variables are inherited out of the total
func (b *Builder) FilteredCount() (inherited, total int) {
	env := b.environ()
	for _, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		if b.Allowed(key) {
			inherited++
		}
	}
	return inherited, len(env)
}

// enhancePath prepends discovered tool directories to a minimal PATH. A launchd or
// service manager start often leaves only /usr/bin:/bin.
func (b *Builder) enhancePath(existing string) string {
	if existing == "" {
		return strings.Join(b.discovered, string(os.PathListSeparator))
	}
	parts := strings.Split(existing, string(os.PathListSeparator))
	minimal := len(parts) <= 2 && !containsAny(parts, commonToolDirs())
	if !minimal || !(b.cfg.EnhancePath || runtime.GOOS == osWindows) {
		return existing
	}

	enhanced := make([]string, 0, len(b.discovered)+len(parts))
	for _, dir := range b.discovered {
		if !containsAny(parts, []string{dir}) {
			enhanced = append(enhanced, dir)
		}
	}
	for _, part := range parts {
		if part != "" {
			enhanced = append(enhanced, part)
		}
	}
	return strings.Join(enhanced, string(os.PathListSeparator))
}

// pathKey keeps the host's spelling of PATH; Windows uses Path
func pathKey(vars map[string]string) string {
	for k := range vars {
		if strings.EqualFold(k, "PATH") {
			return k
		}
	}
	return "PATH"
}

func pathValue(vars map[string]string) (string, bool) {
	v, ok := vars[pathKey(vars)]
	return v, ok
}

func commonToolDirs() []string {
	if runtime.GOOS == osWindows {
		return []string{`C:\Program Files\Docker\Docker\resources\bin`}
	}
	return []string{"/usr/local/bin", "/opt/homebrew/bin"}
}

func containsAny(parts, candidates []string) bool {
	for _, c := range candidates {
		for _, p := range parts {
			if p == c {
				return true
			}
		}
	}
	return false
}

// discoverPaths lists the tool directories that exist on this machine
func discoverPaths() []string {
	if runtime.GOOS == osWindows {
		if paths := registryPaths(); len(paths) > 0 {
			return paths
		}
	}

	home, _ := os.UserHomeDir()
	var candidates []string
	if runtime.GOOS == osWindows {
		candidates = []string{
			`C:\Windows\System32`,
			`C:\Windows`,
			`C:\Program Files\Docker\Docker\resources\bin`,
			`C:\Program Files\Git\cmd`,
			`C:\Program Files\nodejs`,
			`C:\Program Files\Go\bin`,
		}
		if home != "" {
			candidates = append(candidates,
				filepath.Join(home, ".cargo", "bin"),
				filepath.Join(home, ".local", "bin"),
				filepath.Join(home, "go", "bin"),
				filepath.Join(home, "AppData", "Roaming", "npm"),
				filepath.Join(home, "scoop", "shims"),
			)
		}
	} else {
		candidates = []string{
			"/usr/local/bin", "/opt/homebrew/bin", "/usr/bin", "/bin",
			"/usr/local/sbin", "/usr/sbin", "/sbin",
		}
		if home != "" {
			candidates = append(candidates,
				filepath.Join(home, ".local", "bin"),
				filepath.Join(home, ".npm", "bin"),
				filepath.Join(home, ".cargo", "bin"),
				filepath.Join(home, "go", "bin"),
			)
		}
	}
	return existingDirs(candidates)
}

func existingDirs(paths []string) []string {
	var out []string
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			out = append(out, p)
		}
	}
	return out
}
