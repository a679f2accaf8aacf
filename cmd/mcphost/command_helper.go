package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/reglet-dev/mcphost/internal/infrastructure/container"
	"github.com/reglet-dev/mcphost/internal/infrastructure/system"
)

// CommandContext provides common command dependencies.
type CommandContext struct {
	Container *container.Container
	Logger    *slog.Logger
	Context   context.Context
}

// CommandHandler is a function that executes with initialized dependencies.
type CommandHandler func(*CommandContext, *cobra.Command, []string) error

// withContainer wraps a command handler with container initialization.
func withContainer(handler CommandHandler) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		logger := slog.Default()

		c, err := container.New(container.Options{
			SystemConfigPath: cfgFile,
			Logger:           logger,
			Overrides:        applyOverrides,
			PluginOutput:     os.Stderr,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize application: %w", err)
		}
		defer c.Close()

		ctx := &CommandContext{
			Container: c,
			Logger:    logger,
			Context:   cmd.Context(),
		}
		return handler(ctx, cmd, args)
	}
}

// overrideKeys are the scalar settings flags and MCPHOST_* variables may set.
var overrideKeys = []string{
	"cache_dir", "call_timeout", "acquire_timeout", "max_instances", "memory_limit", "security.level",
}

// applyOverrides copies flag and environment values over the loaded config.
func applyOverrides(cfg *system.Config) {
	for _, key := range overrideKeys {
		if !viper.IsSet(key) {
			continue
		}
		switch key {
		case "cache_dir":
			cfg.CacheDir = viper.GetString(key)
		case "call_timeout":
			cfg.CallTimeout = viper.GetString(key)
		case "acquire_timeout":
			cfg.AcquireTimeout = viper.GetString(key)
		case "max_instances":
			cfg.MaxInstances = viper.GetInt(key)
		case "memory_limit":
			cfg.MemoryLimit = viper.GetString(key)
		case "security.level":
			cfg.Security.Level = viper.GetString(key)
		}
	}
}

// addOverrideFlags binds the host-wide setting flags to viper. Each key is
// bound once, on the root command.
func addOverrideFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("cache-dir", "", "artifact cache directory")
	flags.String("call-timeout", "", "default per-call timeout (e.g. 30s)")
	flags.Int("max-instances", 0, "default instances per plugin")
	flags.String("security-level", "", "capability review level: strict, standard or permissive")

	_ = viper.BindPFlag("cache_dir", flags.Lookup("cache-dir"))
	_ = viper.BindPFlag("call_timeout", flags.Lookup("call-timeout"))
	_ = viper.BindPFlag("max_instances", flags.Lookup("max-instances"))
	_ = viper.BindPFlag("security.level", flags.Lookup("security-level"))
}
