package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	DefaultDataDir = ".mcphost"
	ConfigFileName = "mcphost.json"
	EnvPrefix      = "MCPHOST"

	// EncryptionKeyEnv holds the vault key: base64 of 32 bytes, or a passphrase.
	EncryptionKeyEnv = "MCPHOST_ENCRYPTION_KEY"
)

// Keys that may be overridden from flags or MCPHOST_* environment variables
const (
	KeyConfig         = "config"
	KeyDataDir        = "data-dir"
	KeyListen         = "listen"
	KeyLogLevel       = "log-level"
	KeyLogDir         = "log-dir"
	KeyCallTimeout    = "call-timeout"
	KeyConnectTimeout = "connect-timeout"
	KeyAudit          = "audit"
)

// NewViper returns a viper instance wired for MCPHOST_* environment variables.
func NewViper() *viper.Viper {
	v := viper.New()
	setupViper(v)
	return v
}

// setupViper configures viper with environment variable handling
func setupViper(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	// Replace - with _ for environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault(KeyConfig, "")
}

// Load loads configuration from file, environment, and defaults. v may be nil.
func Load(v *viper.Viper) (*HostConfig, error) {
	if v == nil {
		v = NewViper()
	}
	cfg := DefaultConfig()

	configPath := v.GetString(KeyConfig)
	if configPath != "" {
		if err := loadConfigFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	} else if _, _, err := findAndLoadConfigFile(cfg); err != nil {
		return nil, err
	}

	if err := applyOverrides(v, cfg); err != nil {
		return nil, err
	}

	// Set data directory if not specified
	if cfg.DataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(homeDir, DefaultDataDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific file without consulting the environment
func LoadFromFile(configPath string) (*HostConfig, error) {
	cfg := DefaultConfig()
	if err := loadConfigFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyOverrides copies flag and environment values set in v onto cfg
func applyOverrides(v *viper.Viper, cfg *HostConfig) error {
	if v.IsSet(KeyDataDir) {
		cfg.DataDir = v.GetString(KeyDataDir)
	}
	if v.IsSet(KeyListen) {
		cfg.Listen = v.GetString(KeyListen)
	}
	if v.IsSet(KeyLogLevel) && cfg.Logging != nil {
		cfg.Logging.Level = v.GetString(KeyLogLevel)
	}
	if v.IsSet(KeyLogDir) && cfg.Logging != nil {
		cfg.Logging.LogDir = v.GetString(KeyLogDir)
		cfg.Logging.EnableFile = true
	}
	if v.IsSet(KeyAudit) {
		if cfg.Audit == nil {
			cfg.Audit = &AuditConfig{}
		}
		cfg.Audit.Enabled = v.GetBool(KeyAudit)
	}
	for key, target := range map[string]*Duration{
		KeyCallTimeout:    &cfg.CallTimeout,
		KeyConnectTimeout: &cfg.ConnectTimeout,
	} {
		if !v.IsSet(key) {
			continue
		}
		if err := target.UnmarshalText([]byte(v.GetString(key))); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	return nil
}

// findAndLoadConfigFile tries to find config file in common locations
func findAndLoadConfigFile(cfg *HostConfig) (found bool, path string, err error) {
	names := []string{ConfigFileName, "mcphost.yaml", "mcphost.yml"}

	var locations []string
	for _, name := range names {
		locations = append(locations, filepath.Join(".", name))
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		for _, name := range names {
			locations = append(locations, filepath.Join(homeDir, DefaultDataDir, name))
		}
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			if err := loadConfigFile(location, cfg); err != nil {
				return true, location, fmt.Errorf("failed to load config file %s: %w", location, err)
			}
			return true, location, nil
		}
	}
	return false, "", nil
}

// loadConfigFile loads configuration from a JSON or YAML file
func loadConfigFile(path string, cfg *HostConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Empty file (including /dev/null) is treated as no configuration
	if len(data) == 0 {
		return nil
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		// YAML goes through the JSON field names so both formats share one schema
		var raw map[string]interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
		if data, err = json.Marshal(raw); err != nil {
			return fmt.Errorf("failed to convert config file: %w", err)
		}
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the path to the configuration file in the data directory
func GetConfigPath(dataDir string) string {
	if dataDir == "" {
		homeDir, _ := os.UserHomeDir()
		dataDir = filepath.Join(homeDir, DefaultDataDir)
	}
	return filepath.Join(dataDir, ConfigFileName)
}

// SaveConfig saves configuration to file
func SaveConfig(cfg *HostConfig, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Descriptors may carry credential values
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
