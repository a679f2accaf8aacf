package signing

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"os"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/sigstore/cosign/v2/pkg/cosign"
	ociremote "github.com/sigstore/cosign/v2/pkg/oci/remote"
	"github.com/sigstore/sigstore/pkg/cryptoutils"
	"github.com/sigstore/sigstore/pkg/signature"

	"github.com/reglet-dev/mcphost/internal/domain/entities"
	"github.com/reglet-dev/mcphost/internal/domain/values"
)

// CosignVerifier checks registry-attached cosign signatures.
type CosignVerifier struct {
	keychain authn.Keychain
	roots    RootProvider
	insecure map[string]bool
}

var _ RegistryVerifier = (*CosignVerifier)(nil)

// CosignOption configures a CosignVerifier.
type CosignOption func(*CosignVerifier)

// WithInsecureRegistries allows plain HTTP for the given registries.
func WithInsecureRegistries(registries ...string) CosignOption {
	return func(c *CosignVerifier) {
		for _, r := range registries {
			c.insecure[r] = true
		}
	}
}

// WithKeychain overrides registry credential lookup.
func WithKeychain(k authn.Keychain) CosignOption {
	return func(c *CosignVerifier) {
		c.keychain = k
	}
}

// NewCosignVerifier creates a registry verifier using the Docker keychain
// and the public Sigstore roots.
func NewCosignVerifier(opts ...CosignOption) *CosignVerifier {
	c := &CosignVerifier{
		keychain: authn.DefaultKeychain,
		roots:    FulcioRoots(),
		insecure: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// VerifyImage verifies signatures for the artifact at loc, pinned to the
// manifest digest that was actually pulled when one is known.
func (c *CosignVerifier) VerifyImage(ctx context.Context, loc values.Location, pinned values.Digest, policy entities.SignaturePolicy) (entities.Identity, error) {
	ref, err := c.reference(loc, pinned)
	if err != nil {
		return entities.Identity{}, err
	}

	co := &cosign.CheckOpts{
		RegistryClientOpts: []ociremote.Option{
			ociremote.WithRemoteOptions(remote.WithAuthFromKeychain(c.keychain), remote.WithContext(ctx)),
		},
		ClaimVerifier: cosign.SimpleClaimVerifier,
	}

	switch policy.Mode {
	case entities.SignatureModeKeyless:
		roots, intermediates, err := c.roots()
		if err != nil {
			return entities.Identity{}, err
		}
		co.RootCerts = roots
		co.IntermediateCerts = intermediates
		co.Identities = []cosign.Identity{{Issuer: policy.Issuer, Subject: policy.Identity}}
		if co.RekorPubKeys, err = cosign.GetRekorPubs(ctx); err != nil {
			return entities.Identity{}, fmt.Errorf("load transparency log keys: %w", err)
		}
		if co.CTLogPubKeys, err = cosign.GetCTLogPubs(ctx); err != nil {
			return entities.Identity{}, fmt.Errorf("load certificate transparency keys: %w", err)
		}
	case entities.SignatureModeKey:
		verifier, err := loadKeyVerifier(policy.PublicKeyPath)
		if err != nil {
			return entities.Identity{}, err
		}
		co.SigVerifier = verifier
		co.IgnoreTlog = true
	default:
		return entities.Identity{}, fmt.Errorf("unsupported signature mode %q", policy.Mode)
	}

	sigs, _, err := cosign.VerifyImageSignatures(ctx, ref, co)
	if err != nil {
		return entities.Identity{}, fmt.Errorf("verify %s: %w", ref, err)
	}
	if len(sigs) == 0 {
		return entities.Identity{}, errors.New("no matching signatures")
	}

	if policy.Mode == entities.SignatureModeKey {
		return entities.Identity{Subject: "key:" + policy.PublicKeyPath}, nil
	}
	cert, err := sigs[0].Cert()
	if err != nil || cert == nil {
		return entities.Identity{Subject: policy.Identity, Issuer: policy.Issuer}, nil
	}
	return identityFromCert(cert)
}

func (c *CosignVerifier) reference(loc values.Location, pinned values.Digest) (name.Reference, error) {
	ref, err := name.ParseReference(loc.Address())
	if err != nil {
		return nil, fmt.Errorf("invalid reference %s: %w", loc, err)
	}
	if c.insecure[ref.Context().RegistryStr()] {
		if ref, err = name.ParseReference(loc.Address(), name.Insecure); err != nil {
			return nil, err
		}
	}
	if !pinned.IsZero() {
		return ref.Context().Digest(pinned.String()), nil
	}
	return ref, nil
}

func loadKeyVerifier(path string) (signature.Verifier, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	pub, err := cryptoutils.UnmarshalPEMToPublicKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key %s: %w", path, err)
	}
	return signature.LoadVerifier(pub, crypto.SHA256)
}
