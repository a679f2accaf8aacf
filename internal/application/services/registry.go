package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/reglet-dev/mcphost/internal/application/errors"
	"github.com/reglet-dev/mcphost/internal/application/ports"
	"github.com/reglet-dev/mcphost/internal/domain/entities"
	"github.com/reglet-dev/mcphost/internal/domain/protocol"
	"github.com/reglet-dev/mcphost/internal/domain/values"
)

// defaultLoadConcurrency bounds concurrent plugin bootstraps.
const defaultLoadConcurrency = 4

// LoadedPlugin is a declaration whose artifact was resolved and verified.
type LoadedPlugin struct {
	Decl         *entities.PluginDeclaration
	Artifact     entities.CachedArtifact
	Verification *entities.VerificationResult

	toolsMu sync.Mutex
	tools   map[string]protocol.Tool // nil until listed
}

// Name returns the plugin name.
func (lp *LoadedPlugin) Name() string {
	return lp.Decl.Name.String()
}

// cachedTool returns the tool if the tool list is known. known is false when
// the plugin has not been listed yet.
func (lp *LoadedPlugin) cachedTool(name string) (tool protocol.Tool, found, known bool) {
	lp.toolsMu.Lock()
	defer lp.toolsMu.Unlock()
	if lp.tools == nil {
		return protocol.Tool{}, false, false
	}
	tool, found = lp.tools[name]
	return tool, found, true
}

func (lp *LoadedPlugin) storeTools(tools []protocol.Tool) {
	m := make(map[string]protocol.Tool, len(tools))
	for _, t := range tools {
		m[t.Name] = t
	}
	lp.toolsMu.Lock()
	lp.tools = m
	lp.toolsMu.Unlock()
}

func (lp *LoadedPlugin) forgetTools() {
	lp.toolsMu.Lock()
	lp.tools = nil
	lp.toolsMu.Unlock()
}

// pluginTable is an immutable snapshot of the loaded plugin set.
type pluginTable struct {
	byName   map[string]*LoadedPlugin
	failures map[string]error
	order    []string
}

func (t *pluginTable) sorted() []*LoadedPlugin {
	out := make([]*LoadedPlugin, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.byName[name])
	}
	return out
}

// LoadReport summarizes a bootstrap or reload.
type LoadReport struct {
	Failed map[string]error
	Loaded []string
}

// Registry owns the declaration set, the loaded plugin table, and the
// instance pools. It is constructed once and passed to the router and bridge.
type Registry struct {
	resolver   ports.SourceResolver
	verifier   ports.SignatureVerifier
	pool       *InstancePool
	sensitive  ports.SensitiveValueProvider
	gatekeeper *CapabilityGatekeeper
	logger     *slog.Logger
	table      atomic.Pointer[pluginTable]
	reloadMu   sync.Mutex
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithSensitiveValues tracks plugin environment values for log redaction.
func WithSensitiveValues(p ports.SensitiveValueProvider) RegistryOption {
	return func(r *Registry) {
		r.sensitive = p
	}
}

// WithGatekeeper reviews declared grants before a plugin is loaded.
func WithGatekeeper(g *CapabilityGatekeeper) RegistryOption {
	return func(r *Registry) {
		r.gatekeeper = g
	}
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(resolver ports.SourceResolver, verifier ports.SignatureVerifier, pool *InstancePool, opts ...RegistryOption) *Registry {
	r := &Registry{
		resolver: resolver,
		verifier: verifier,
		pool:     pool,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.table.Store(&pluginTable{byName: map[string]*LoadedPlugin{}, failures: map[string]error{}})
	return r
}

// Load bootstraps decls. Failures are isolated per plugin and reported;
// the returned error is non-nil only for an invalid declaration set.
func (r *Registry) Load(ctx context.Context, decls []*entities.PluginDeclaration) (*LoadReport, error) {
	return r.Reload(ctx, decls)
}

// Reload builds a new plugin table off to the side and swaps it in atomically.
// Unchanged plugins keep their loaded state and pools; pools of changed or
// removed plugins are retired.
func (r *Registry) Reload(ctx context.Context, decls []*entities.PluginDeclaration) (*LoadReport, error) {
	if err := validateDeclarations(decls); err != nil {
		return nil, err
	}

	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	old := r.table.Load()
	next := &pluginTable{
		byName:   make(map[string]*LoadedPlugin, len(decls)),
		failures: make(map[string]error),
	}
	fresh := make(map[string]*ports.ResolvedArtifact)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultLoadConcurrency)
	for _, decl := range decls {
		name := decl.Name.String()
		if prev, ok := old.byName[name]; ok && prev.Decl.Equals(decl) {
			next.byName[name] = prev
			continue
		}
		g.Go(func() error {
			lp, resolved, err := r.loadOne(gctx, decl)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				next.failures[name] = err
				return nil
			}
			next.byName[name] = lp
			fresh[name] = resolved
			return nil
		})
	}
	_ = g.Wait()

	for name := range next.byName {
		next.order = append(next.order, name)
	}
	slices.Sort(next.order)

	for name, resolved := range fresh {
		r.pool.Register(next.byName[name].Decl, resolved.Bytes)
	}
	r.table.Store(next)
	for name := range old.byName {
		if _, kept := next.byName[name]; !kept {
			r.pool.Remove(name)
		}
	}

	report := &LoadReport{Loaded: slices.Clone(next.order), Failed: next.failures}
	for name, err := range next.failures {
		r.logger.Error("plugin failed to load", "plugin", name, "error", err)
	}
	r.logger.Info("plugins loaded", "loaded", len(report.Loaded), "failed", len(report.Failed))
	return report, nil
}

// loadOne runs Resolver -> Cache -> Verifier for one declaration.
func (r *Registry) loadOne(ctx context.Context, decl *entities.PluginDeclaration) (*LoadedPlugin, *ports.ResolvedArtifact, error) {
	if r.gatekeeper != nil {
		if err := r.gatekeeper.ReviewGrant(decl); err != nil {
			return nil, nil, err
		}
	}

	resolved, err := r.resolver.Resolve(ctx, decl)
	if err != nil {
		return nil, nil, err
	}

	result, err := r.verifier.Verify(ctx, decl, resolved)
	if err != nil {
		return nil, nil, err
	}
	if !result.Trusted {
		return nil, nil, apperrors.NewVerificationError(decl.Name.String(), result.Reason, nil)
	}

	if r.sensitive != nil {
		for _, v := range decl.Runtime.Environment {
			r.sensitive.Track(v)
		}
	}

	r.logger.Info("plugin loaded",
		"plugin", decl.Name.String(),
		"digest", resolved.Artifact.ContentHash.String(),
		"signer", result.Identity.String(),
		"verification_skipped", result.Skipped)

	return &LoadedPlugin{
		Decl:         decl,
		Artifact:     resolved.Artifact,
		Verification: result,
	}, resolved, nil
}

// Lookup returns a loaded plugin by name.
func (r *Registry) Lookup(name values.PluginName) (*LoadedPlugin, bool) {
	lp, ok := r.table.Load().byName[name.String()]
	return lp, ok
}

// Declaration returns the declaration of a loaded plugin.
func (r *Registry) Declaration(name values.PluginName) (*entities.PluginDeclaration, bool) {
	lp, ok := r.Lookup(name)
	if !ok {
		return nil, false
	}
	return lp.Decl, true
}

// Plugins returns the loaded plugins sorted by name.
func (r *Registry) Plugins() []*LoadedPlugin {
	return r.table.Load().sorted()
}

// Failures returns the load errors of the current table.
func (r *Registry) Failures() map[string]error {
	return r.table.Load().failures
}

// Pool returns the registry's instance pool.
func (r *Registry) Pool() *InstancePool {
	return r.pool
}

// Close releases every pool.
func (r *Registry) Close() {
	r.pool.Close()
}

func validateDeclarations(decls []*entities.PluginDeclaration) error {
	seen := make(map[string]bool, len(decls))
	for _, decl := range decls {
		if err := decl.Validate(); err != nil {
			return apperrors.NewConfigurationError("plugins", "invalid plugin declaration", err)
		}
		name := decl.Name.String()
		if seen[name] {
			return apperrors.NewConfigurationError("plugins", fmt.Sprintf("duplicate plugin name %q", name), nil)
		}
		seen[name] = true
	}
	return nil
}
