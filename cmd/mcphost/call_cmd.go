package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"mcphost-go/internal/cli/output"
	"mcphost-go/internal/host"
	"mcphost-go/internal/reqcontext"
)

type callFlags struct {
	args     string
	uri      string
	caller   string
	timeout  time.Duration
	servers  []string
	excluded []string
}

func newCallCommand(v *viper.Viper) *cobra.Command {
	flags := &callFlags{}
	cmd := &cobra.Command{
		Use:   "call <capability>",
		Short: "Invoke a capability through a one-shot host",
		Long: `Connect to the configured servers, route one invocation and disconnect.
The capability is a tool name, a prompt name or a resource URI; templated resources
need the concrete URI in --uri.

Examples:
  mcphost call search --args '{"query":"mcp"}'
  mcphost call greet --args '{"who":"world"}' -o yaml
  mcphost call 'file:///data/{name}' --uri file:///data/notes.md
  mcphost call search --server github --exclude-server slow-mirror`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, v, args[0], flags)
		},
	}

	cmd.Flags().StringVarP(&flags.args, "args", "a", "{}", "JSON object of arguments")
	cmd.Flags().StringVar(&flags.uri, "uri", "", "Concrete URI for a templated resource")
	cmd.Flags().StringVar(&flags.caller, "caller", "cli", "Caller ID recorded for the invocation")
	cmd.Flags().DurationVarP(&flags.timeout, "timeout", "t", 0, "Invocation timeout (default: server timeout)")
	cmd.Flags().StringSliceVarP(&flags.servers, "server", "s", nil, "Only connect these servers (default: all)")
	cmd.Flags().StringSliceVar(&flags.excluded, "exclude-server", nil, "Never route to these servers")
	return cmd
}

func runCall(cmd *cobra.Command, v *viper.Viper, capability string, flags *callFlags) error {
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(flags.args), &args); err != nil {
		se := output.NewStructuredError(output.ErrCodeInvalidInput, fmt.Sprintf("invalid --args: %v", err)).
			WithGuidance(`pass a JSON object, for example --args '{"key":"value"}'`)
		return reportError(cmd.ErrOrStderr(), se, ExitCodeGeneralError, output.ErrCodeInvalidInput)
	}

	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	descriptors, err := selectServers(cfg.Servers, flags.servers)
	if err != nil {
		return reportError(cmd.ErrOrStderr(), err, ExitCodeConfigError, output.ErrCodeConfigNotFound)
	}

	logger, err := commandLogger(v)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// The one-shot host never writes the audit trail; a running host owns it
	h, err := host.New(host.Deps{Config: cfg, Logger: logger, Dialer: testDialer})
	if err != nil {
		return fmt.Errorf("failed to create host: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = h.Shutdown(shutdownCtx)
	}()

	ctx := cmd.Context()
	for id, err := range h.RegisterServers(ctx, descriptors) {
		logger.Warn("Server failed to register", zap.String("server", id), zap.Error(err))
	}

	var opts []host.InvokeOption
	if flags.timeout > 0 {
		opts = append(opts, host.WithTimeout(flags.timeout))
	}
	if flags.uri != "" {
		opts = append(opts, host.WithResourceURI(flags.uri))
	}
	if len(flags.excluded) > 0 {
		opts = append(opts, host.WithExcludedServers(flags.excluded...))
	}

	caller := reqcontext.NewCaller(flags.caller, reqcontext.SourceCLI)
	result, err := h.Invoke(ctx, capability, args, caller, opts...)
	if err != nil {
		return reportErrorWithID(cmd.ErrOrStderr(), err, ExitCodeInvocationFailed, output.ErrCodeInvocationFailed, caller.RequestID)
	}
	return printData(cmd.OutOrStdout(), result)
}
