package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/reglet-dev/mcphost/internal/infrastructure/container"
	"github.com/reglet-dev/mcphost/internal/infrastructure/observability"
	"github.com/reglet-dev/mcphost/internal/infrastructure/transport"
)

func init() {
	rootCmd.AddCommand(newServeCmd())
}

func newServeCmd() *cobra.Command {
	var (
		metricsAddr string
		watch       bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve plugins over stdio",
		Long: `Load every configured plugin and serve the protocol over stdin and stdout.
Plugins that fail to load are reported and left out; the rest keep serving.`,
		Example: `  mcphost serve
  mcphost serve --config ./mcphost.yaml --metrics-addr 127.0.0.1:9464`,
		Args: cobra.NoArgs,
		RunE: withContainer(func(cc *CommandContext, _ *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cc.Context, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, cc, metricsAddr, watch)
		}),
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload plugins when the config file changes")

	return cmd
}

func runServe(ctx context.Context, cc *CommandContext, metricsAddr string, watch bool) error {
	c := cc.Container
	logger := cc.Logger

	server := transport.NewServer(c.Router(), os.Stdin, os.Stdout, transport.WithLogger(logger))
	c.SetPeer(server)

	report, err := c.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to load plugins: %w", c.SafeError(err))
	}
	for name, loadErr := range report.Failed {
		logger.Warn("plugin unavailable", "plugin", name, "error", c.SafeError(loadErr))
	}

	if metricsAddr != "" {
		stop := serveMetrics(c, metricsAddr)
		defer stop()
	}
	if watch {
		watchConfig(ctx, c)
	}

	logger.Info("serving", "plugins", len(report.Loaded))
	if err := server.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveMetrics(c *container.Container, addr string) func() {
	mux := http.NewServeMux()
	observability.RegisterMetricsEndpoint(mux, c.MetricsRegistry())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.Logger().Error("metrics server stopped", "error", err)
		}
	}()
	c.Logger().Info("metrics endpoint listening", "addr", addr)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}

// watchConfig reloads plugins whenever viper sees the config file change.
func watchConfig(ctx context.Context, c *container.Container) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		if ctx.Err() != nil {
			return
		}
		c.Logger().Info("config changed, reloading", "file", e.Name)
		report, err := c.Reload(ctx)
		if err != nil {
			c.Logger().Error("reload rejected, keeping current plugins", "error", c.SafeError(err))
			return
		}
		for name, loadErr := range report.Failed {
			c.Logger().Warn("plugin unavailable", "plugin", name, "error", c.SafeError(loadErr))
		}
	})
	viper.WatchConfig()
}
