// Package sources fetches plugin modules from local files, HTTP servers,
// OCI registries and object stores.
package sources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	apperrors "github.com/reglet-dev/mcphost/internal/application/errors"
	"github.com/reglet-dev/mcphost/internal/application/ports"
	"github.com/reglet-dev/mcphost/internal/domain/entities"
	"github.com/reglet-dev/mcphost/internal/domain/values"
)

// Resolver turns plugin locations into digest-checked module bytes, going
// through the artifact cache.
type Resolver struct {
	cache   ports.ArtifactCache
	sources map[values.Scheme]ports.ArtifactSource
	policy  RetryPolicy
	logger  *slog.Logger
}

var _ ports.SourceResolver = (*Resolver)(nil)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithSource registers src for every scheme it serves.
func WithSource(src ports.ArtifactSource) ResolverOption {
	return func(r *Resolver) {
		for _, scheme := range src.Schemes() {
			r.sources[scheme] = src
		}
	}
}

// WithRetryPolicy overrides the retry policy for transient failures.
func WithRetryPolicy(p RetryPolicy) ResolverOption {
	return func(r *Resolver) {
		r.policy = p
	}
}

// WithResolverLogger sets the logger.
func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = l
	}
}

// NewResolver creates a resolver. Without WithSource options it serves
// only local files.
func NewResolver(cache ports.ArtifactCache, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		cache:   cache,
		sources: map[values.Scheme]ports.ArtifactSource{values.SchemeFile: FileSource{}},
		policy:  DefaultRetryPolicy(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the module bytes for decl. A configured digest that is
// already cached is served without touching the source, except for verified
// registry plugins: their signature is checked against the manifest, so the
// manifest is always resolved and the cached bytes reached through it.
func (r *Resolver) Resolve(ctx context.Context, decl *entities.PluginDeclaration) (*ports.ResolvedArtifact, error) {
	plugin := decl.Name.String()
	loc := decl.Location

	if !decl.Digest.IsZero() && !needsRemoteIdentity(decl) {
		art, data, ok, err := r.cache.Lookup(ctx, decl.Digest)
		if err != nil {
			r.logger.Debug("cache lookup failed", "plugin", plugin, "error", err)
		}
		if ok {
			r.logger.Debug("artifact served from cache", "plugin", plugin, "digest", decl.Digest.String())
			return &ports.ResolvedArtifact{Artifact: *art, Bytes: data}, nil
		}
	}

	src, err := r.sourceFor(loc)
	if err != nil {
		return nil, withPlugin(err, plugin)
	}

	id, err := retry(ctx, r.policy, func() (ports.SourceIdentity, error) {
		return src.Identify(ctx, loc)
	})
	if err != nil {
		return nil, withPlugin(err, plugin)
	}

	declared := decl.Digest
	if !id.Declared.IsZero() {
		if !declared.IsZero() && !declared.Equals(id.Declared) {
			return nil, apperrors.NewIntegrityError(plugin, declared.String(), id.Declared.String())
		}
		declared = id.Declared
	}

	art, data, err := r.cache.GetOrInsert(ctx, id.Key, loc, declared, func(ctx context.Context) ([]byte, error) {
		r.logger.Info("fetching plugin artifact", "plugin", plugin, "location", loc.String())
		return retry(ctx, r.policy, func() ([]byte, error) {
			return src.Fetch(ctx, loc, id)
		})
	})
	if err != nil {
		return nil, withPlugin(err, plugin)
	}

	resolved := &ports.ResolvedArtifact{Artifact: *art, Bytes: data}
	if !id.Remote.IsZero() {
		resolved.Artifact.RemoteDigest = id.Remote
	}
	return resolved, nil
}

func needsRemoteIdentity(decl *entities.PluginDeclaration) bool {
	return decl.Location.Scheme() == values.SchemeOCI && !decl.Runtime.SkipVerification
}

// FetchRaw downloads auxiliary material such as detached signatures.
func (r *Resolver) FetchRaw(ctx context.Context, loc values.Location) ([]byte, error) {
	src, err := r.sourceFor(loc)
	if err != nil {
		return nil, err
	}
	return retry(ctx, r.policy, func() ([]byte, error) {
		return src.Fetch(ctx, loc, ports.SourceIdentity{})
	})
}

func (r *Resolver) sourceFor(loc values.Location) (ports.ArtifactSource, error) {
	src, ok := r.sources[loc.Scheme()]
	if !ok {
		return nil, apperrors.NewFetchError("", apperrors.CauseUnsupportedScheme, loc.String(),
			fmt.Errorf("no source handles scheme %q", loc.Scheme()))
	}
	return src, nil
}

// withPlugin attributes an application error to plugin. Errors shared
// across single-flight waiters are copied, never mutated.
func withPlugin(err error, plugin string) error {
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) || appErr.Plugin != "" {
		return err
	}
	attributed := *appErr
	attributed.Plugin = plugin
	return &attributed
}
