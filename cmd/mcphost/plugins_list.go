package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	pluginsCmd.AddCommand(newPluginsListCmd())
}

func newPluginsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List cached plugins",
		Long:    `List every module currently stored in the local artifact cache.`,
		Example: `  mcphost plugins list`,
		Args:    cobra.NoArgs,
		RunE: withContainer(func(ctx *CommandContext, _ *cobra.Command, _ []string) error {
			artifacts, err := ctx.Container.PluginService().ListCached(ctx.Context)
			if err != nil {
				return err
			}

			if len(artifacts) == 0 {
				fmt.Println("No plugins found in cache.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			if _, err := fmt.Fprintln(w, "DIGEST\tSIZE\tFETCHED\tSOURCE"); err != nil {
				return fmt.Errorf("failed to write header: %w", err)
			}

			for _, a := range artifacts {
				digest := a.Digest
				if len(digest) > 19 {
					digest = digest[:19]
				}
				size := "-"
				if info, err := os.Stat(a.Path); err == nil {
					size = humanize.IBytes(uint64(info.Size()))
				}
				if _, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					digest,
					size,
					humanize.Time(a.FetchedAt),
					a.Location,
				); err != nil {
					return fmt.Errorf("failed to write plugin info: %w", err)
				}
			}
			if err := w.Flush(); err != nil {
				return fmt.Errorf("failed to flush writer: %w", err)
			}

			return nil
		}),
	}

	return cmd
}
