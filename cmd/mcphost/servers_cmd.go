package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mcphost-go/internal/config"
	"mcphost-go/internal/host"
)

func newServersCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "servers [server-id]",
		Short: "List the servers of a running host, or show the health of one",
		Example: `  mcphost servers
  mcphost servers github --json`,
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

			if len(args) == 1 {
				health, err := client.ServerHealth(cmd.Context(), args[0])
				if err != nil {
					return clientError(cmd, err)
				}
				return printData(cmd.OutOrStdout(), health)
			}

			servers, err := client.Servers(cmd.Context())
			if err != nil {
				return clientError(cmd, err)
			}
			if !tableFormat() {
				return printData(cmd.OutOrStdout(), servers)
			}
			return printTable(cmd.OutOrStdout(), serverHeaders, serverRows(servers))
		},
	}
}

var serverHeaders = []string{"ID", "PROTOCOL", "STATE", "CAPABILITIES", "ROOTS", "LAST ERROR"}

func serverRows(servers []host.ServerInfo) [][]string {
	sort.Slice(servers, func(i, j int) bool { return servers[i].ID < servers[j].ID })
	rows := make([][]string, 0, len(servers))
	for _, s := range servers {
		rows = append(rows, []string{
			s.ID,
			s.Protocol,
			s.Health.State.String(),
			strconv.Itoa(s.Capabilities),
			strings.Join(s.Roots, ","),
			s.Health.LastError,
		})
	}
	return rows
}

// selectServers keeps the descriptors named in ids, all of them when ids is empty
func selectServers(all []*config.ServerDescriptor, ids []string) ([]*config.ServerDescriptor, error) {
	if len(ids) == 0 {
		return all, nil
	}
	byID := make(map[string]*config.ServerDescriptor, len(all))
	for _, d := range all {
		byID[d.ID] = d
	}
	selected := make([]*config.ServerDescriptor, 0, len(ids))
	for _, id := range ids {
		d, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("server %q is not configured", id)
		}
		selected = append(selected, d)
	}
	return selected, nil
}
