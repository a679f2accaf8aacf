// Package signing checks plugin provenance before a module may run.
package signing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	apperrors "github.com/reglet-dev/mcphost/internal/application/errors"
	"github.com/reglet-dev/mcphost/internal/application/ports"
	"github.com/reglet-dev/mcphost/internal/domain/entities"
	"github.com/reglet-dev/mcphost/internal/domain/values"
)

const memoSize = 256

// RegistryVerifier checks signatures attached to an artifact in an OCI
// registry and returns the signer identity.
type RegistryVerifier interface {
	VerifyImage(ctx context.Context, loc values.Location, remote values.Digest, policy entities.SignaturePolicy) (entities.Identity, error)
}

// Verifier implements ports.SignatureVerifier. Registry artifacts are
// checked against registry-attached signatures; everything else against a
// detached "<location>.sig" (and "<location>.pem" for keyless) pair.
type Verifier struct {
	material ports.SourceResolver
	registry RegistryVerifier
	detached *detachedVerifier
	memo     *lru.Cache[string, entities.VerificationResult]
	logger   *slog.Logger
	now      func() time.Time
}

var _ ports.SignatureVerifier = (*Verifier)(nil)

// Option configures a Verifier.
type Option func(*Verifier)

// WithRegistryVerifier overrides the registry signature checker.
func WithRegistryVerifier(r RegistryVerifier) Option {
	return func(v *Verifier) {
		v.registry = r
	}
}

// WithTrustedRoots pins the certificate authorities keyless certificates
// must chain to. Without it the public Fulcio roots are used.
func WithTrustedRoots(roots RootProvider) Option {
	return func(v *Verifier) {
		v.detached.roots = roots
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) {
		v.logger = l
	}
}

// NewVerifier creates a verifier that loads detached material through
// material.
func NewVerifier(material ports.SourceResolver, opts ...Option) *Verifier {
	memo, _ := lru.New[string, entities.VerificationResult](memoSize)
	v := &Verifier{
		material: material,
		registry: NewCosignVerifier(),
		detached: &detachedVerifier{roots: FulcioRoots()},
		memo:     memo,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify returns a trusted result or a verification_error. Results are
// memoized per artifact digest and policy for the life of the process.
func (v *Verifier) Verify(ctx context.Context, decl *entities.PluginDeclaration, artifact *ports.ResolvedArtifact) (*entities.VerificationResult, error) {
	plugin := decl.Name.String()
	hash := artifact.Artifact.ContentHash
	if hash.IsZero() {
		hash = values.ComputeDigest(artifact.Bytes)
	}

	if decl.Runtime.SkipVerification {
		v.logger.Warn("signature verification skipped; running unverified code",
			"plugin", plugin, "digest", hash.String())
		return &entities.VerificationResult{
			ArtifactHash: hash,
			Trusted:      true,
			Skipped:      true,
			VerifiedAt:   v.now(),
		}, nil
	}

	policy := decl.Signature
	if policy.Mode == entities.SignatureModeNone {
		return nil, apperrors.NewVerificationError(plugin,
			"no signing authority configured; set skip_verification to run it unsigned", nil)
	}

	if decl.Location.Scheme() == values.SchemeOCI && artifact.Artifact.RemoteDigest.IsZero() {
		return nil, apperrors.NewVerificationError(plugin,
			"registry manifest digest unknown; signature cannot be bound to the pulled artifact", nil)
	}

	key := memoKey(hash, policy)
	if cached, ok := v.memo.Get(key); ok {
		result := cached
		return &result, nil
	}

	identity, err := v.check(ctx, decl, artifact, hash)
	if err != nil {
		var appErr *apperrors.Error
		if errors.As(err, &appErr) && appErr.Kind == apperrors.KindVerification {
			return nil, err
		}
		return nil, apperrors.NewVerificationError(plugin, "signature check failed", err)
	}

	result := entities.VerificationResult{
		ArtifactHash: hash,
		Trusted:      true,
		Identity:     identity,
		VerifiedAt:   v.now(),
	}
	v.memo.Add(key, result)
	v.logger.Info("plugin signature verified",
		"plugin", plugin, "digest", hash.String(), "signer", identity.String())
	return &result, nil
}

func (v *Verifier) check(ctx context.Context, decl *entities.PluginDeclaration, artifact *ports.ResolvedArtifact, hash values.Digest) (entities.Identity, error) {
	plugin := decl.Name.String()
	loc := decl.Location

	if loc.Scheme() == values.SchemeOCI {
		return v.registry.VerifyImage(ctx, loc, artifact.Artifact.RemoteDigest, decl.Signature)
	}

	sig, err := v.material.FetchRaw(ctx, loc.WithSuffix(".sig"))
	if err != nil {
		return entities.Identity{}, apperrors.NewVerificationError(plugin, "no detached signature found at "+loc.WithSuffix(".sig").String(), err)
	}

	switch decl.Signature.Mode {
	case entities.SignatureModeKey:
		return v.detached.verifyWithKey(artifact.Bytes, sig, decl.Signature.PublicKeyPath)
	case entities.SignatureModeKeyless:
		cert, err := v.material.FetchRaw(ctx, loc.WithSuffix(".pem"))
		if err != nil {
			return entities.Identity{}, apperrors.NewVerificationError(plugin, "no signing certificate found at "+loc.WithSuffix(".pem").String(), err)
		}
		return v.detached.verifyKeyless(artifact.Bytes, sig, cert, decl.Signature)
	default:
		return entities.Identity{}, fmt.Errorf("unsupported signature mode %q for digest %s", decl.Signature.Mode, hash)
	}
}

func memoKey(hash values.Digest, p entities.SignaturePolicy) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", hash, p.Mode, p.Identity, p.Issuer, p.PublicKeyPath)
}
