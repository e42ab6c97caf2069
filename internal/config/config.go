package config

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	defaultCallTimeout         = 2 * time.Minute
	defaultConnectTimeout      = 30 * time.Second
	defaultHealthCheckInterval = 30 * time.Second
	defaultMaxPingFailures     = 3
	defaultTokenTTL            = time.Hour
	defaultSweepInterval       = time.Minute

	// DefaultRoutingWeight is the weight of a server that does not declare one.
	DefaultRoutingWeight = 1.0
)

// Transport protocols accepted in ServerDescriptor.Protocol
const (
	ProtocolAuto           = "auto"
	ProtocolStdio          = "stdio"
	ProtocolHTTP           = "http"
	ProtocolStreamableHTTP = "streamable-http"
)

// Capability kinds a server can expose
const (
	CapabilityTools     = "tools"
	CapabilityPrompts   = "prompts"
	CapabilityResources = "resources"
)

// HostConfig represents the main configuration structure
type HostConfig struct {
	DataDir string `json:"data_dir" mapstructure:"data-dir"`

	// Listen enables the read-only discovery API when non-empty.
	Listen string `json:"listen,omitempty" mapstructure:"listen"`

	Servers []*ServerDescriptor `json:"mcpServers" mapstructure:"servers"`

	CallTimeout         Duration `json:"call_timeout" mapstructure:"call-timeout"`
	ConnectTimeout      Duration `json:"connect_timeout" mapstructure:"connect-timeout"`
	HealthCheckInterval Duration `json:"health_check_interval" mapstructure:"health-check-interval"`
	MaxPingFailures     int      `json:"max_ping_failures" mapstructure:"max-ping-failures"`

	// SubprocessEnv filters the host environment inherited by stdio servers.
	SubprocessEnv *EnvConfig `json:"subprocess_env,omitempty" mapstructure:"subprocess-env"`

	Vault   *VaultConfig   `json:"vault,omitempty" mapstructure:"vault"`
	Logging *LogConfig     `json:"logging,omitempty" mapstructure:"logging"`
	Audit   *AuditConfig   `json:"audit,omitempty" mapstructure:"audit"`
	Tracing *TracingConfig `json:"tracing,omitempty" mapstructure:"tracing"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"` // Custom log directory
	MaxSize       int    `json:"max_size" mapstructure:"max-size"`         // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"`   // number of backup files
	MaxAge        int    `json:"max_age" mapstructure:"max-age"`           // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// EnvConfig decides which host environment variables a stdio server inherits.
// The descriptor env is always passed through on top of it.
type EnvConfig struct {
	InheritSystemSafe bool `json:"inherit_system_safe" mapstructure:"inherit-system-safe"`
	// AllowedSystemVars are variable names; a trailing * matches a prefix.
	AllowedSystemVars []string `json:"allowed_system_vars" mapstructure:"allowed-system-vars"`
	// EnhancePath prepends discovered tool directories to a minimal PATH.
	EnhancePath bool `json:"enhance_path" mapstructure:"enhance-path"`
}

// VaultConfig configures the in-memory credential vault
type VaultConfig struct {
	// KeyEnv names the environment variable holding the encryption key.
	KeyEnv string `json:"key_env" mapstructure:"key-env"`
	// Keyring loads (and on first use stores) the key in the OS keyring.
	Keyring         bool     `json:"keyring" mapstructure:"keyring"`
	DefaultTokenTTL Duration `json:"default_token_ttl" mapstructure:"default-token-ttl"`
	SweepInterval   Duration `json:"sweep_interval" mapstructure:"sweep-interval"`
	// TombstoneRetention keeps expired tokens around so they report TokenExpired
	// rather than TokenUnknown.
	TombstoneRetention Duration `json:"tombstone_retention" mapstructure:"tombstone-retention"`
}

// AuditConfig configures the optional on-disk audit trail
type AuditConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Path    string `json:"path,omitempty" mapstructure:"path"`
	// RetentionRecords caps the number of stored records (0 = unlimited).
	RetentionRecords int `json:"retention_records" mapstructure:"retention-records"`
}

// TracingConfig holds configuration for OpenTelemetry tracing
type TracingConfig struct {
	Enabled      bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName  string  `json:"service_name" mapstructure:"service-name"`
	OTLPEndpoint string  `json:"otlp_endpoint" mapstructure:"otlp-endpoint"`
	SampleRate   float64 `json:"sample_rate" mapstructure:"sample-rate"`
}

// CredentialSpec declares a secret that is stored in the vault when the server connects
// and is addressable as a {Name} placeholder in the descriptor.
type CredentialSpec struct {
	Name  string `json:"name" mapstructure:"name"`
	Type  string `json:"type" mapstructure:"type"`
	Value string `json:"value" mapstructure:"value"`
}

// ServerDescriptor describes one capability server. It is immutable once a session has
// been established for it.
type ServerDescriptor struct {
	ID         string            `json:"id" mapstructure:"id"`
	Protocol   string            `json:"protocol,omitempty" mapstructure:"protocol"` // stdio, http, streamable-http, auto
	Command    string            `json:"command,omitempty" mapstructure:"command"`
	Args       []string          `json:"args,omitempty" mapstructure:"args"`
	Env        map[string]string `json:"env,omitempty" mapstructure:"env"`
	WorkingDir string            `json:"working_dir,omitempty" mapstructure:"working-dir"`
	URL        string            `json:"url,omitempty" mapstructure:"url"`
	Headers    map[string]string `json:"headers,omitempty" mapstructure:"headers"` // For HTTP servers

	// Capabilities restricts which advertised kinds are registered. Empty means all.
	Capabilities         []string           `json:"capabilities,omitempty" mapstructure:"capabilities"`
	RoutingWeight        *float64           `json:"routing_weight,omitempty" mapstructure:"routing-weight"`
	CapabilityWeights    map[string]float64 `json:"capability_weights,omitempty" mapstructure:"capability-weights"`
	ExcludedCapabilities []string           `json:"excluded_capabilities,omitempty" mapstructure:"excluded-capabilities"`

	Timeout        Duration `json:"timeout,omitempty" mapstructure:"timeout"`
	ConnectTimeout Duration `json:"connect_timeout,omitempty" mapstructure:"connect-timeout"`

	Roots                  []string         `json:"roots,omitempty" mapstructure:"roots"`
	AllowedCredentialTypes []string         `json:"allowed_credential_types,omitempty" mapstructure:"allowed-credential-types"`
	Credentials            []CredentialSpec `json:"credentials,omitempty" mapstructure:"credentials"`
}

// Weight returns the routing weight of capability name on this server.
func (d *ServerDescriptor) Weight(name string) float64 {
	if w, ok := d.CapabilityWeights[name]; ok {
		return w
	}
	if d.RoutingWeight != nil {
		return *d.RoutingWeight
	}
	return DefaultRoutingWeight
}

// Offers reports whether the descriptor allows registering capabilities of kind.
func (d *ServerDescriptor) Offers(kind string) bool {
	if len(d.Capabilities) == 0 {
		return true
	}
	for _, c := range d.Capabilities {
		if c == kind {
			return true
		}
	}
	return false
}

// Excludes reports whether name is in the exclusion list.
func (d *ServerDescriptor) Excludes(name string) bool {
	for _, n := range d.ExcludedCapabilities {
		if n == name {
			return true
		}
	}
	return false
}

// TransportType determines the transport based on protocol, command and URL
func (d *ServerDescriptor) TransportType() string {
	if d.Protocol != "" && d.Protocol != ProtocolAuto {
		if d.Protocol == ProtocolHTTP {
			return ProtocolStreamableHTTP
		}
		return d.Protocol
	}
	if d.Command != "" {
		return ProtocolStdio
	}
	if d.URL != "" {
		return ProtocolStreamableHTTP
	}
	return ProtocolStdio
}

// Clone returns a deep copy so placeholder expansion never mutates the caller's descriptor.
func (d *ServerDescriptor) Clone() *ServerDescriptor {
	c := *d
	c.Args = append([]string(nil), d.Args...)
	c.Env = cloneMap(d.Env)
	c.Headers = cloneMap(d.Headers)
	c.Capabilities = append([]string(nil), d.Capabilities...)
	c.ExcludedCapabilities = append([]string(nil), d.ExcludedCapabilities...)
	c.Roots = append([]string(nil), d.Roots...)
	c.AllowedCredentialTypes = append([]string(nil), d.AllowedCredentialTypes...)
	c.Credentials = append([]CredentialSpec(nil), d.Credentials...)
	if d.RoutingWeight != nil {
		w := *d.RoutingWeight
		c.RoutingWeight = &w
	}
	if d.CapabilityWeights != nil {
		c.CapabilityWeights = make(map[string]float64, len(d.CapabilityWeights))
		for k, v := range d.CapabilityWeights {
			c.CapabilityWeights[k] = v
		}
	}
	return &c
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Duration is a time.Duration that marshals as a Go duration string ("30s").
type Duration time.Duration

// Duration returns the value as time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or a number of nanoseconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v))
	default:
		return fmt.Errorf("invalid duration: %s", string(data))
	}
	return nil
}

// UnmarshalText lets viper/mapstructure decode durations from strings
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *HostConfig {
	return &HostConfig{
		DataDir:             "", // Will be set to ~/.mcphost by loader
		Servers:             []*ServerDescriptor{},
		CallTimeout:         Duration(defaultCallTimeout),
		ConnectTimeout:      Duration(defaultConnectTimeout),
		HealthCheckInterval: Duration(defaultHealthCheckInterval),
		MaxPingFailures:     defaultMaxPingFailures,

		Vault: DefaultVaultConfig(),

		Logging: &LogConfig{
			Level:         "info",
			EnableFile:    false,
			EnableConsole: true,
			Filename:      "main.log",
			MaxSize:       10, // 10MB
			MaxBackups:    5,  // 5 backup files
			MaxAge:        30, // 30 days
			Compress:      true,
			JSONFormat:    false,
		},

		Audit: &AuditConfig{
			Enabled:          false,
			RetentionRecords: 10000,
		},

		Tracing: &TracingConfig{
			Enabled:     false,
			ServiceName: "mcphost",
			SampleRate:  1.0,
		},
	}
}

// DefaultVaultConfig returns the vault defaults
func DefaultVaultConfig() *VaultConfig {
	return &VaultConfig{
		KeyEnv:             EncryptionKeyEnv,
		DefaultTokenTTL:    Duration(defaultTokenTTL),
		SweepInterval:      Duration(defaultSweepInterval),
		TombstoneRetention: Duration(10 * time.Minute),
	}
}

// EffectiveTimeout returns the per-call timeout for a descriptor.
func (c *HostConfig) EffectiveTimeout(d *ServerDescriptor) time.Duration {
	if d != nil && d.Timeout > 0 {
		return d.Timeout.Duration()
	}
	if c.CallTimeout > 0 {
		return c.CallTimeout.Duration()
	}
	return defaultCallTimeout
}

// EffectiveConnectTimeout returns the connect timeout for a descriptor.
func (c *HostConfig) EffectiveConnectTimeout(d *ServerDescriptor) time.Duration {
	if d != nil && d.ConnectTimeout > 0 {
		return d.ConnectTimeout.Duration()
	}
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout.Duration()
	}
	return defaultConnectTimeout
}

// Validate fills in defaults for zero values
func (c *HostConfig) Validate() error {
	if c.CallTimeout <= 0 {
		c.CallTimeout = Duration(defaultCallTimeout)
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = Duration(defaultConnectTimeout)
	}
	if c.HealthCheckInterval < 0 {
		c.HealthCheckInterval = 0 // 0 disables health pings
	}
	if c.MaxPingFailures <= 0 {
		c.MaxPingFailures = defaultMaxPingFailures
	}
	if c.Vault == nil {
		c.Vault = DefaultVaultConfig()
	}
	if c.Vault.KeyEnv == "" {
		c.Vault.KeyEnv = EncryptionKeyEnv
	}
	if c.Vault.DefaultTokenTTL <= 0 {
		c.Vault.DefaultTokenTTL = Duration(defaultTokenTTL)
	}
	if c.Vault.SweepInterval <= 0 {
		c.Vault.SweepInterval = Duration(defaultSweepInterval)
	}
	if c.Audit == nil {
		c.Audit = &AuditConfig{}
	}
	if c.Tracing == nil {
		c.Tracing = &TracingConfig{ServiceName: "mcphost", SampleRate: 1.0}
	}

	return ValidateServers(c.Servers)
}
