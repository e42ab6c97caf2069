package main

import (
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mcphost-go/internal/router"
	"mcphost-go/internal/stringutil"
)

func newCapabilitiesCommand(v *viper.Viper) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:     "capabilities [name]",
		Aliases: []string{"caps"},
		Short:   "List the capabilities of a running host, or the providers of one",
		Long: `List every routable capability with its providers in routing order: highest
weight first, then earliest registration. The first provider of a name is the one
an invocation selects.`,
		Example: `  mcphost capabilities
  mcphost capabilities --kind prompt
  mcphost capabilities search -o yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := commandLogger(v)
			if err != nil {
				return err
			}
			client, err := apiClient(cmd, v, logger)
			if err != nil {
				return err
			}

			var records []router.Record
			if len(args) == 1 {
				view, err := client.Capability(cmd.Context(), args[0])
				if err != nil {
					return clientError(cmd, err)
				}
				if !tableFormat() {
					return printData(cmd.OutOrStdout(), view)
				}
				records = view.Providers
			} else {
				records, err = client.Capabilities(cmd.Context(), router.Kind(kind))
				if err != nil {
					return clientError(cmd, err)
				}
				if !tableFormat() {
					return printData(cmd.OutOrStdout(), records)
				}
			}
			return printTable(cmd.OutOrStdout(), capabilityHeaders, capabilityRows(records))
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "Only list one kind (tool, prompt, resource)")
	return cmd
}

var capabilityHeaders = []string{"NAME", "KIND", "SERVER", "WEIGHT", "DESCRIPTION"}

func capabilityRows(records []router.Record) [][]string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		kind := string(rec.Kind)
		if rec.Template {
			kind += " (template)"
		}
		rows = append(rows, []string{
			rec.Name,
			kind,
			rec.ServerID,
			strconv.FormatFloat(rec.Weight, 'g', -1, 64),
			stringutil.Truncate(rec.Description, 60),
		})
	}
	return rows
}
