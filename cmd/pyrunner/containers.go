package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pyrunner/pyrunner/pkg/containerops"
	"github.com/pyrunner/pyrunner/pkg/output"
)

var containersPruneMinAge time.Duration

var containersCmd = &cobra.Command{
	Use:   "containers",
	Short: "Inspect or clean up sandbox containers via the Docker Engine API",
	Long: `These subcommands are an operational convenience layered on top of the
sandbox's process-spawn launch path. They only see containers the Docker
daemon knows about, labeled pyrunner.managed=true; a rootless podman launch
with no Docker socket will show nothing here.`,
}

var containersPsCmd = &cobra.Command{
	Use:   "ps",
	Short: "List managed sandbox containers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runContainersPs()
	},
}

var containersPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Force-remove stopped managed containers older than --min-age",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runContainersPrune()
	},
}

func init() {
	containersPruneCmd.Flags().DurationVar(&containersPruneMinAge, "min-age", time.Hour, "only remove containers created at least this long ago")
	containersCmd.AddCommand(containersPsCmd)
	containersCmd.AddCommand(containersPruneCmd)
}

func runContainersPs() error {
	cli, err := containerops.NewClient()
	if err != nil {
		return fmt.Errorf("containers ps: %w", err)
	}
	defer cli.Close()

	containers, err := containerops.ListManaged(context.Background(), cli)
	if err != nil {
		return err
	}

	rows := make([]output.ContainerRow, 0, len(containers))
	for _, c := range containers {
		id := c.ID
		if len(id) > 12 {
			id = id[:12]
		}
		rows = append(rows, output.ContainerRow{ID: id, Image: c.Image, State: c.State, Status: c.Status})
	}

	output.New().Containers(rows)
	return nil
}

func runContainersPrune() error {
	cli, err := containerops.NewClient()
	if err != nil {
		return fmt.Errorf("containers prune: %w", err)
	}
	defer cli.Close()

	result, err := containerops.PruneManaged(context.Background(), cli, containersPruneMinAge)
	printer := output.New()
	for _, id := range result.RemovedIDs {
		printer.Info("removed container", "id", id)
	}
	for id, rerr := range result.Errors {
		printer.Warn("failed to remove container", "id", id, "error", rerr)
	}
	return err
}
