package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/reglet-dev/mcphost/internal/infrastructure/system"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd is the application entry point.
var rootCmd = &cobra.Command{
	Use:   "mcphost",
	Short: "Sandboxed WebAssembly plugin host",
	Long: `mcphost loads WebAssembly plugins from files, HTTP servers, OCI registries
and object stores, verifies their provenance, and serves their tools,
resources and prompts to a protocol client over stdio. Plugins run in
per-plugin sandboxes and reach the host only through granted capabilities.`,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		setupLogging()
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mcphost/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	addOverrideFlags(rootCmd)
}

// initConfig points viper at the host config file and the MCPHOST_*
// environment. Viper supplies scalar overrides and file watching; the
// plugin map is decoded by the system loader, which preserves key case.
func initConfig() {
	if cfgFile == "" {
		cfgFile = system.DefaultPath()
	}
	viper.SetConfigFile(cfgFile)
	viper.SetEnvPrefix("MCPHOST")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		slog.Debug("using config file", "file", viper.ConfigFileUsed())
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	// stdout carries the protocol, so logs always go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}
