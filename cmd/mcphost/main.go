package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mcphost-go/internal/config"
	"mcphost-go/internal/upstream"
)

var (
	configFile   string
	dataDir      string
	logLevel     string
	logDir       string
	outputFormat string
	jsonOutput   bool

	version = "v0.1.0" // This will be injected by -ldflags during build

	// testDialer replaces the network dialer in command tests
	testDialer upstream.Dialer
)

func main() {
	rootCmd := newRootCommand(config.NewViper())
	if err := rootCmd.Execute(); err != nil {
		code := exitCodeOf(err)
		var exitErr *exitError
		if !errors.As(err, &exitErr) || !exitErr.reported {
			fmt.Fprintf(os.Stderr, "Error: %v (%s)\n", err, exitCodeDescription(code))
		}
		os.Exit(code)
	}
}

// newRootCommand builds the command tree. Flags are bound to v so that MCPHOST_*
// environment variables and the config file share one precedence order.
func newRootCommand(v *viper.Viper) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mcphost",
		Short:         "MCP host - route capability calls across a fleet of MCP servers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "Configuration file path (default: ./mcphost.json or ~/.mcphost/mcphost.json)")
	flags.StringVarP(&dataDir, "data-dir", "d", "", "Data directory path (default: ~/.mcphost)")
	flags.StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	flags.StringVar(&logDir, "log-dir", "", "Custom log directory path (enables file logging)")
	flags.StringVarP(&outputFormat, "output", "o", "", "Output format (table, json, yaml)")
	flags.BoolVar(&jsonOutput, "json", false, "Shorthand for --output=json")
	flags.String("api", "", "Discovery API address of a running host (default: listen from config)")

	bindFlags(v, flags, map[string]string{
		config.KeyConfig:   "config",
		config.KeyDataDir:  "data-dir",
		config.KeyLogLevel: "log-level",
		config.KeyLogDir:   "log-dir",
		KeyAPI:             "api",
	})

	rootCmd.AddCommand(
		newServeCommand(v),
		newCallCommand(v),
		newCapabilitiesCommand(v),
		newServersCommand(v),
		newAuditCommand(v),
	)
	return rootCmd
}

// loadConfig loads the configuration honoring flags and MCPHOST_* variables
func loadConfig(v *viper.Viper) (*config.HostConfig, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, &exitError{code: ExitCodeConfigError, err: fmt.Errorf("failed to load configuration: %w", err)}
	}
	return cfg, nil
}
