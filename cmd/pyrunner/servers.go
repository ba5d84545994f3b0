package main

import (
	"github.com/spf13/cobra"

	"github.com/pyrunner/pyrunner/pkg/broker"
	"github.com/pyrunner/pyrunner/pkg/discovery"
	"github.com/pyrunner/pyrunner/pkg/output"
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Inspect discovered tool servers",
}

var serversListCmd = &cobra.Command{
	Use:   "list",
	Short: "List discovered tool servers and their sandbox-side aliases",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServersList()
	},
}

func init() {
	serversCmd.AddCommand(serversListCmd)
}

func runServersList() error {
	cfg, err := broker.LoadConfig(cfgPath)
	if err != nil {
		return err
	}

	d := discovery.New(cfg.InlineServers)
	d.SetLogger(appLogger)

	records, order := d.Discover()
	aliases := discovery.AliasTable(order)

	byName := make(map[string]discovery.ToolServerRecord, len(records))
	for _, r := range records {
		byName[r.Name] = r
	}

	rows := make([]output.ServerRow, 0, len(order))
	for _, name := range order {
		rec := byName[name]
		rows = append(rows, output.ServerRow{
			Name:    name,
			Alias:   aliases[name],
			Command: rec.Command,
			Source:  rec.Source,
		})
	}

	output.New().Servers(rows)
	return nil
}
