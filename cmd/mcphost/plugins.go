package main

import (
	"github.com/spf13/cobra"
)

// pluginsCmd groups the artifact cache commands.
var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Manage cached plugins",
	Long:  `Pull plugins into the local artifact cache, list cached modules and prune old ones.`,
}

func init() {
	rootCmd.AddCommand(pluginsCmd)
}
