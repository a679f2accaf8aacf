package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/reglet-dev/mcphost/internal/application/dto"
	apperrors "github.com/reglet-dev/mcphost/internal/application/errors"
	"github.com/reglet-dev/mcphost/internal/application/ports"
	"github.com/reglet-dev/mcphost/internal/domain/entities"
)

// PluginService manages the local artifact cache outside of serving:
// pre-fetching plugins, listing and pruning cached modules.
type PluginService struct {
	resolver ports.SourceResolver
	verifier ports.SignatureVerifier
	cache    ports.ArtifactCache
	logger   *slog.Logger
}

// NewPluginService creates a plugin service.
func NewPluginService(resolver ports.SourceResolver, verifier ports.SignatureVerifier, cache ports.ArtifactCache, logger *slog.Logger) *PluginService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PluginService{
		resolver: resolver,
		verifier: verifier,
		cache:    cache,
		logger:   logger,
	}
}

// Pull resolves and verifies decl, leaving the module in the cache.
// An untrusted artifact is reported as a verification_error.
func (s *PluginService) Pull(ctx context.Context, decl *entities.PluginDeclaration) (*dto.PluginArtifactDTO, error) {
	if err := decl.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plugin declaration: %w", err)
	}

	resolved, err := s.resolver.Resolve(ctx, decl)
	if err != nil {
		return nil, err
	}

	result, err := s.verifier.Verify(ctx, decl, resolved)
	if err != nil {
		return nil, err
	}
	if !result.Trusted {
		return nil, apperrors.NewVerificationError(decl.Name.String(), result.Reason, nil)
	}

	s.logger.Info("plugin pulled",
		"plugin", decl.Name.String(),
		"digest", resolved.Artifact.ContentHash.String(),
		"signer", result.Identity.String())

	out := toArtifactDTO(resolved.Artifact)
	out.Name = decl.Name.String()
	out.Size = int64(len(resolved.Bytes))
	out.Trusted = result.Trusted
	out.Skipped = result.Skipped
	out.Signer = result.Identity.String()
	return &out, nil
}

// ListCached returns every cached module, newest first.
func (s *PluginService) ListCached(ctx context.Context) ([]dto.PluginArtifactDTO, error) {
	artifacts, err := s.cache.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache: %w", err)
	}
	sort.SliceStable(artifacts, func(i, j int) bool {
		return artifacts[i].FetchedAt.After(artifacts[j].FetchedAt)
	})

	out := make([]dto.PluginArtifactDTO, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, toArtifactDTO(a))
	}
	return out, nil
}

// Prune removes modules fetched more than olderThan ago.
func (s *PluginService) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, fmt.Errorf("prune age must not be negative, got %s", olderThan)
	}
	removed, err := s.cache.Prune(ctx, olderThan)
	if err != nil {
		return removed, fmt.Errorf("failed to prune cache: %w", err)
	}
	s.logger.Info("cache pruned", "removed", removed, "older_than", olderThan)
	return removed, nil
}

func toArtifactDTO(a entities.CachedArtifact) dto.PluginArtifactDTO {
	return dto.PluginArtifactDTO{
		Location:  a.SourceLocation.String(),
		Digest:    a.ContentHash.String(),
		Path:      a.LocalPath,
		FetchedAt: a.FetchedAt,
	}
}
