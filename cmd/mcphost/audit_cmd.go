package main

import (
	"errors"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"mcphost-go/internal/cli/output"
	"mcphost-go/internal/cliclient"
	"mcphost-go/internal/config"
	"mcphost-go/internal/storage"
)

type auditFlags struct {
	limit   int
	offset  int
	typ     string
	server  string
	caller  string
	status  string
	offline bool
}

func newAuditCommand(v *viper.Viper) *cobra.Command {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail",
	}

	flags := &auditFlags{}
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent audit records",
		Long: `Show the most recent audit records, newest first. The records are read from the
discovery API of a running host; when none answers, the audit database is opened
read-only.`,
		Example: `  mcphost audit tail -n 20
  mcphost audit tail --type access_denied --server files
  mcphost audit tail --offline --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAuditTail(cmd, v, flags)
		},
	}
	tailCmd.Flags().IntVarP(&flags.limit, "limit", "n", 50, "Number of records")
	tailCmd.Flags().IntVar(&flags.offset, "offset", 0, "Skip this many matching records")
	tailCmd.Flags().StringVar(&flags.typ, "type", "", "Filter by record type (invocation, access_denied, server_registered, server_unregistered)")
	tailCmd.Flags().StringVar(&flags.server, "server", "", "Filter by server ID")
	tailCmd.Flags().StringVar(&flags.caller, "caller", "", "Filter by caller ID")
	tailCmd.Flags().StringVar(&flags.status, "status", "", "Filter by status (success, error, denied)")
	tailCmd.Flags().BoolVar(&flags.offline, "offline", false, "Read the audit database directly")

	auditCmd.AddCommand(tailCmd)
	return auditCmd
}

func runAuditTail(cmd *cobra.Command, v *viper.Viper, flags *auditFlags) error {
	logger, err := commandLogger(v)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}

	var records []*storage.AuditRecord
	if addr := apiAddress(v, cfg); addr != "" && !flags.offline {
		records, err = auditFromAPI(cmd, addr, flags, logger)
		if err == nil {
			return printAudit(cmd, records)
		}
		var apiErr *cliclient.APIError
		if errors.As(err, &apiErr) {
			return reportError(cmd.ErrOrStderr(), err, ExitCodeGeneralError, output.ErrCodeOperationFailed)
		}
		logger.Debug("Discovery API unavailable, reading the audit database", zap.Error(err))
	}

	records, err = auditFromDisk(cfg, flags, logger)
	if err != nil {
		code := ExitCodeGeneralError
		se := output.FromError(err, output.ErrCodeOperationFailed)
		if errors.Is(err, storage.ErrAuditLocked) {
			code = ExitCodeDBLocked
			se = se.WithGuidance("query the running host with --api or set listen in the configuration")
		}
		return reportError(cmd.ErrOrStderr(), se, code, output.ErrCodeOperationFailed)
	}
	return printAudit(cmd, records)
}

// apiAddress returns --api, falling back to the configured listen address
func apiAddress(v *viper.Viper, cfg *config.HostConfig) string {
	if addr := v.GetString(KeyAPI); addr != "" {
		return addr
	}
	return cfg.Listen
}

func auditFromAPI(cmd *cobra.Command, addr string, flags *auditFlags, logger *zap.Logger) ([]*storage.AuditRecord, error) {
	client := cliclient.NewClient(addr, logger.Sugar())
	page, err := client.Audit(cmd.Context(), cliclient.AuditQuery{
		Type:   flags.typ,
		Server: flags.server,
		Caller: flags.caller,
		Status: flags.status,
		Limit:  flags.limit,
		Offset: flags.offset,
	})
	if err != nil {
		return nil, err
	}
	return page.Records, nil
}

func auditFromDisk(cfg *config.HostConfig, flags *auditFlags, logger *zap.Logger) ([]*storage.AuditRecord, error) {
	path := cfg.Audit.Path
	if path == "" {
		path = storage.AuditPath(cfg.DataDir)
	}
	reader, err := storage.OpenAuditReader(path, logger)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	records, _, err := reader.List(storage.AuditFilter{
		Type:   flags.typ,
		Server: flags.server,
		Caller: flags.caller,
		Status: flags.status,
		Limit:  flags.limit,
		Offset: flags.offset,
	})
	return records, err
}

var auditHeaders = []string{"TIME", "TYPE", "STATUS", "SERVER", "CAPABILITY", "CALLER", "DURATION", "ERROR"}

func printAudit(cmd *cobra.Command, records []*storage.AuditRecord) error {
	if !tableFormat() {
		if records == nil {
			records = []*storage.AuditRecord{}
		}
		return printData(cmd.OutOrStdout(), records)
	}

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		status := r.Status
		if r.ErrorKind != "" {
			status += " (" + r.ErrorKind + ")"
		}
		rows = append(rows, []string{
			r.Timestamp.Local().Format(time.DateTime),
			string(r.Type),
			status,
			r.ServerID,
			r.Capability,
			r.CallerID,
			strconv.FormatInt(r.DurationMs, 10) + "ms",
			r.ErrorMessage,
		})
	}
	return printTable(cmd.OutOrStdout(), auditHeaders, rows)
}
