package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"mcphost-go/internal/cli/output"
	"mcphost-go/internal/cliclient"
	"mcphost-go/internal/config"
	"mcphost-go/internal/logs"
)

// KeyAPI selects the discovery API the read-only commands talk to
const KeyAPI = "api"

// bindFlags binds each viper key to the named flag
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind %s flag: %v", name, err))
		}
	}
}

// commandLogger creates the stderr logger of a one-shot command
func commandLogger(v *viper.Viper) (*zap.Logger, error) {
	logger, _, err := logs.SetupCommandLogger(false, v.GetString(config.KeyLogLevel), false, "")
	if err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}
	return logger, nil
}

// formatter resolves --output, --json and MCPHOST_OUTPUT
func formatter() (output.OutputFormatter, error) {
	f, err := output.NewFormatter(output.ResolveFormat(outputFormat, jsonOutput))
	if err != nil {
		return nil, &exitError{code: ExitCodeGeneralError, err: err}
	}
	return f, nil
}

// tableFormat reports whether output is the human-readable table
func tableFormat() bool {
	return strings.EqualFold(output.ResolveFormat(outputFormat, jsonOutput), "table")
}

// printData writes data with the selected formatter
func printData(w io.Writer, data interface{}) error {
	f, err := formatter()
	if err != nil {
		return err
	}
	out, err := f.Format(data)
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	fmt.Fprintln(w, strings.TrimRight(out, "\n"))
	return nil
}

// printTable writes rows as a table, or as objects in json and yaml mode
func printTable(w io.Writer, headers []string, rows [][]string) error {
	f, err := formatter()
	if err != nil {
		return err
	}
	out, err := f.FormatTable(headers, rows)
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	fmt.Fprintln(w, strings.TrimRight(out, "\n"))
	return nil
}

// reportError prints err as a structured error on w and returns an exitError that
// main will not print again. API errors carry their own request ID.
func reportError(w io.Writer, err error, code int, fallbackCode string) error {
	return reportErrorWithID(w, err, code, fallbackCode, "")
}

func reportErrorWithID(w io.Writer, err error, code int, fallbackCode, requestID string) error {
	se := output.FromError(err, fallbackCode)
	var apiErr *cliclient.APIError
	if requestID == "" && errors.As(err, &apiErr) {
		requestID = apiErr.RequestID
	}
	if requestID != "" {
		se = se.WithRequestID(requestID)
	}

	if f, ferr := formatter(); ferr == nil {
		if text, ferr := f.FormatError(se); ferr == nil {
			fmt.Fprintln(w, strings.TrimRight(text, "\n"))
			return &exitError{code: code, err: err, reported: true}
		}
	}
	return &exitError{code: code, err: err}
}

// apiClient connects to the discovery API named by --api or the configured listen address
func apiClient(cmd *cobra.Command, v *viper.Viper, logger *zap.Logger) (*cliclient.Client, error) {
	addr := v.GetString(KeyAPI)
	if addr == "" {
		cfg, err := loadConfig(v)
		if err != nil {
			return nil, err
		}
		addr = cfg.Listen
	}
	if addr == "" {
		err := output.NewStructuredError(output.ErrCodeHostNotRunning, "no discovery API address configured").
			WithGuidance("set listen in the configuration or pass --api")
		return nil, reportError(cmd.ErrOrStderr(), err, ExitCodeHostNotRunning, output.ErrCodeHostNotRunning)
	}
	return cliclient.NewClient(addr, logger.Sugar()), nil
}

// clientError classifies a failed API call for the exit code
func clientError(cmd *cobra.Command, err error) error {
	var apiErr *cliclient.APIError
	if errors.As(err, &apiErr) {
		return reportError(cmd.ErrOrStderr(), err, ExitCodeGeneralError, output.ErrCodeOperationFailed)
	}
	se := output.NewStructuredError(output.ErrCodeHostNotRunning, err.Error()).
		WithRecoveryCommand("mcphost serve")
	return reportError(cmd.ErrOrStderr(), se, ExitCodeHostNotRunning, output.ErrCodeHostNotRunning)
}
