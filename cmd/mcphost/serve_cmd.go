package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"mcphost-go/internal/config"
	"mcphost-go/internal/host"
	"mcphost-go/internal/httpapi"
	"mcphost-go/internal/logs"
	"mcphost-go/internal/observability"
	"mcphost-go/internal/storage"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the configured servers and keep the sessions alive",
		Long: `Connect to every server in the configuration, keep their sessions healthy and
serve the read-only discovery API on the listen address.

Examples:
  mcphost serve --listen 127.0.0.1:8090
  mcphost serve --config ./mcphost.yaml --audit
  MCPHOST_LOG_LEVEL=debug mcphost serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, v)
		},
	}

	cmd.Flags().StringP("listen", "l", "", "Discovery API listen address (empty disables the API)")
	cmd.Flags().Bool("audit", false, "Record invocations in the audit trail")
	bindFlags(v, cmd.Flags(), map[string]string{config.KeyListen: "listen", config.KeyAudit: "audit"})
	return cmd
}

func runServe(cmd *cobra.Command, v *viper.Viper) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}

	logger, sanitizer, err := logs.SetupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting mcphost",
		zap.String("version", version),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("servers_count", len(cfg.Servers)),
		zap.String("listen", cfg.Listen))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.NewManager(cfg, version, logger)
	if err != nil {
		return fmt.Errorf("failed to setup observability: %w", err)
	}

	var audit *storage.AuditStore
	if cfg.Audit.Enabled {
		path := cfg.Audit.Path
		if path == "" {
			path = storage.AuditPath(cfg.DataDir)
		}
		audit, err = storage.OpenAuditStore(path, cfg.Audit.RetentionRecords, logger)
		if err != nil {
			_ = obs.Close(context.Background())
			return &exitError{code: ExitCodeDBLocked, err: fmt.Errorf("failed to open audit trail: %w", err)}
		}
	}

	// Bind before connecting so a port conflict fails fast
	var ln net.Listener
	if cfg.Listen != "" {
		ln, err = net.Listen("tcp", cfg.Listen)
		if err != nil {
			_ = obs.Close(context.Background())
			if audit != nil {
				_ = audit.Close()
			}
			return &exitError{code: ExitCodePortConflict, err: fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)}
		}
	}

	h, err := host.New(host.Deps{
		Config:        cfg,
		Logger:        logger,
		Sanitizer:     sanitizer,
		Observability: obs,
		Audit:         audit,
		Dialer:        testDialer,
	})
	if err != nil {
		if ln != nil {
			_ = ln.Close()
		}
		return fmt.Errorf("failed to create host: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := h.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Host shutdown finished with errors", zap.Error(err))
		}
	}()

	for id, err := range h.RegisterServers(ctx, cfg.Servers) {
		logger.Error("Server failed to register", zap.String("server", id), zap.Error(err))
	}

	if ln == nil {
		logger.Info("Discovery API disabled, serving sessions until interrupted")
		<-ctx.Done()
		logger.Info("Shutdown requested")
		return nil
	}

	api := httpapi.NewServer(h, logger, obs, httpapi.WithAudit(auditReader(audit)))
	if err := api.Serve(ctx, ln); err != nil {
		return fmt.Errorf("discovery API failed: %w", err)
	}
	logger.Info("Shutdown requested")
	return nil
}

// auditReader avoids handing the API a typed nil
func auditReader(audit *storage.AuditStore) httpapi.AuditReader {
	if audit == nil {
		return nil
	}
	return audit
}
