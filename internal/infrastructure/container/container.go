// Package container provides dependency injection for the application.
package container

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/reglet-dev/mcphost/internal/application/ports"
	"github.com/reglet-dev/mcphost/internal/application/services"
	"github.com/reglet-dev/mcphost/internal/domain/entities"
	"github.com/reglet-dev/mcphost/internal/domain/protocol"
	"github.com/reglet-dev/mcphost/internal/infrastructure/config"
	"github.com/reglet-dev/mcphost/internal/infrastructure/network"
	"github.com/reglet-dev/mcphost/internal/infrastructure/observability"
	"github.com/reglet-dev/mcphost/internal/infrastructure/plugins/repository"
	"github.com/reglet-dev/mcphost/internal/infrastructure/redaction"
	"github.com/reglet-dev/mcphost/internal/infrastructure/secrets"
	"github.com/reglet-dev/mcphost/internal/infrastructure/sensitivedata"
	"github.com/reglet-dev/mcphost/internal/infrastructure/signing"
	"github.com/reglet-dev/mcphost/internal/infrastructure/sources"
	"github.com/reglet-dev/mcphost/internal/infrastructure/system"
	"github.com/reglet-dev/mcphost/internal/infrastructure/validation"
	"github.com/reglet-dev/mcphost/internal/infrastructure/wasm"
)

// Container holds all application dependencies.
type Container struct {
	logger    *slog.Logger
	settings  *config.Settings
	sensitive *sensitivedata.Provider
	redactor  *redaction.Redactor
	cache     *repository.FSArtifactCache
	bridge    *services.Bridge
	registry  *services.Registry
	router    *services.Router
	plugins   *services.PluginService
	metrics   *prometheus.Registry

	configPath string
	overrides  func(*system.Config)

	mu   sync.Mutex
	cfg  *system.Config
	peer ports.Peer
}

// Options configure the container.
type Options struct {
	Logger           *slog.Logger
	SystemConfigPath string
	// Overrides is applied to every loaded config, e.g. flag and env values.
	Overrides func(*system.Config)
	// PluginOutput receives redacted plugin stdout and stderr. Defaults to os.Stderr.
	PluginOutput io.Writer
	// Metrics is the registry collectors are added to. Nil creates one.
	Metrics *prometheus.Registry
}

// New creates a new dependency injection container. Only an unusable
// config or cache directory fails construction; plugins load in Start.
func New(opts Options) (*Container, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SystemConfigPath == "" {
		opts.SystemConfigPath = system.DefaultPath()
	}
	if opts.PluginOutput == nil {
		opts.PluginOutput = os.Stderr
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewRegistry()
	}
	logger := opts.Logger

	c := &Container{
		logger:     logger,
		configPath: opts.SystemConfigPath,
		overrides:  opts.Overrides,
		metrics:    opts.Metrics,
	}

	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	settings, err := config.FromSystemConfig(cfg)
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	c.settings = settings

	// Redaction covers configured patterns and every secret resolved later.
	c.sensitive = sensitivedata.NewProvider()
	c.redactor, err = redaction.New(redaction.Config{
		Patterns:        cfg.Redaction.Patterns,
		HashMode:        cfg.Redaction.HashMode.Enabled,
		Salt:            cfg.Redaction.HashMode.Salt,
		DisableGitleaks: cfg.Redaction.DisableGitleaks,
	}, redaction.WithSensitiveValues(c.sensitive))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize redaction: %w", err)
	}

	metrics := observability.NewMetrics(opts.Metrics)

	c.cache, err = repository.NewFSArtifactCache(settings.CacheDir,
		repository.WithMetrics(metrics),
		repository.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	// Sources
	ociOpts := []sources.OCIOption{sources.WithPlainHTTP(cfg.Registries.Insecure...)}
	if len(cfg.Registries.Credentials) > 0 {
		auth := secrets.NewRegistryAuth(cfg.Registries.Credentials, secrets.NewResolver(cfg.SensitiveData.Secrets, c.sensitive))
		ociOpts = append(ociOpts, sources.WithAuthProvider(auth))
	}
	resolver := sources.NewResolver(c.cache,
		sources.WithSource(sources.NewHTTPSource(nil, 0)),
		sources.WithSource(sources.NewOCISource(ociOpts...)),
		sources.WithSource(sources.NewS3Source(cfg.S3)),
		sources.WithResolverLogger(logger))

	verifier := signing.NewVerifier(resolver,
		signing.WithRegistryVerifier(signing.NewCosignVerifier(
			signing.WithInsecureRegistries(cfg.Registries.Insecure...))),
		signing.WithLogger(logger))

	// Trust boundary
	gatekeeper := services.NewCapabilityGatekeeper(settings.SecurityLevel, logger)
	fetcher := network.NewHTTPFetcher(network.WithLogger(logger))
	c.bridge = services.NewBridge(fetcher, nil, c.redactor, gatekeeper, logger)

	factory := wasm.NewFactory(c.bridge,
		wasm.WithRedactor(c.redactor),
		wasm.WithOutput(opts.PluginOutput),
		wasm.WithLogger(logger),
		wasm.WithDefaultMemoryLimit(settings.MemoryLimitBytes))

	pool := services.NewInstancePool(factory, services.PoolConfig{
		MaxInstances:   settings.MaxInstances,
		AcquireTimeout: settings.AcquireTimeout,
	}, metrics, logger)

	c.registry = services.NewRegistry(resolver, verifier, pool,
		services.WithSensitiveValues(c.sensitive),
		services.WithGatekeeper(gatekeeper),
		services.WithRegistryLogger(logger))

	c.router = services.NewRouter(c.registry,
		services.WithSchemaValidator(validation.NewSchemaValidator(0)),
		services.WithRouterMetrics(metrics),
		services.WithRouterLogger(logger),
		services.WithCallTimeout(settings.CallTimeout))
	c.bridge.Bind(c.router)

	c.plugins = services.NewPluginService(resolver, verifier, c.cache, logger)

	return c, nil
}

func (c *Container) loadConfig() (*system.Config, error) {
	cfg, err := system.NewConfigLoader().Load(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", c.configPath, err)
	}
	if c.overrides != nil {
		c.overrides(cfg)
	}
	return cfg, nil
}

// declarations builds plugin declarations from cfg. Secrets are resolved
// fresh on every call so rotated values are picked up on reload.
func (c *Container) declarations(cfg *system.Config) ([]*entities.PluginDeclaration, error) {
	resolver := secrets.NewResolver(cfg.SensitiveData.Secrets, c.sensitive)
	return config.BuildDeclarations(cfg, resolver)
}

// Start loads the configured plugins.
func (c *Container) Start(ctx context.Context) (*services.LoadReport, error) {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	decls, err := c.declarations(cfg)
	if err != nil {
		return nil, err
	}
	return c.registry.Load(ctx, decls)
}

// Reload re-reads the config file and swaps in the new plugin set. An
// invalid file leaves the running plugins untouched. Host-wide settings
// such as the cache directory are read once at startup.
func (c *Container) Reload(ctx context.Context) (*services.LoadReport, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	decls, err := c.declarations(cfg)
	if err != nil {
		return nil, err
	}
	report, err := c.registry.Reload(ctx, decls)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cfg = cfg
	peer := c.peer
	c.mu.Unlock()

	if peer != nil {
		for _, kind := range []protocol.ListKind{protocol.ListTools, protocol.ListResources, protocol.ListPrompts} {
			if err := peer.NotifyListChanged(ctx, kind); err != nil {
				c.logger.Warn("failed to notify client", "list", string(kind), "error", err)
			}
		}
	}
	return report, nil
}

// SetPeer connects the protocol client plugins talk to through the bridge.
func (c *Container) SetPeer(peer ports.Peer) {
	c.mu.Lock()
	c.peer = peer
	c.mu.Unlock()
	c.bridge.SetPeer(peer)
}

// Close releases every plugin instance.
func (c *Container) Close() {
	c.registry.Close()
}

// Router returns the request router.
func (c *Container) Router() *services.Router {
	return c.router
}

// Registry returns the plugin registry.
func (c *Container) Registry() *services.Registry {
	return c.registry
}

// PluginService returns the cache management service.
func (c *Container) PluginService() *services.PluginService {
	return c.plugins
}

// SystemConfig returns the most recently loaded configuration.
func (c *Container) SystemConfig() *system.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Settings returns the host-wide settings.
func (c *Container) Settings() *config.Settings {
	return c.settings
}

// SecretResolver returns a resolver over the current secrets configuration.
func (c *Container) SecretResolver() ports.SecretResolver {
	return secrets.NewResolver(c.SystemConfig().SensitiveData.Secrets, c.sensitive)
}

// SafeError scrubs every tracked secret from err's message.
func (c *Container) SafeError(err error) error {
	return sensitivedata.SafeError(err, c.sensitive)
}

// Redactor returns the redactor shared by logs and plugin output.
func (c *Container) Redactor() *redaction.Redactor {
	return c.redactor
}

// MetricsRegistry returns the Prometheus registry.
func (c *Container) MetricsRegistry() *prometheus.Registry {
	return c.metrics
}

// Logger returns the configured logger.
func (c *Container) Logger() *slog.Logger {
	return c.logger
}
