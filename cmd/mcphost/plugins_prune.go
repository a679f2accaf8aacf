package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	pluginsCmd.AddCommand(newPluginsPruneCmd())
}

func newPluginsPruneCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove old cached modules",
		Long:  `Remove modules from the local cache that were fetched longer ago than --older-than.`,
		Example: `  # Remove modules not refreshed in a week (default is 30 days)
  mcphost plugins prune --older-than 168h`,
		Args: cobra.NoArgs,
		RunE: withContainer(func(ctx *CommandContext, _ *cobra.Command, _ []string) error {
			removed, err := ctx.Container.PluginService().Prune(ctx.Context, olderThan)
			if err != nil {
				return err
			}

			fmt.Printf("Cache pruned. Removed %d module(s) older than %s.\n", removed, olderThan)
			return nil
		}),
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "remove modules fetched before this age")

	return cmd
}
