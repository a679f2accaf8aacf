package signing

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sigstore/sigstore/pkg/cryptoutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/reglet-dev/mcphost/internal/application/errors"
	"github.com/reglet-dev/mcphost/internal/application/ports"
	"github.com/reglet-dev/mcphost/internal/domain/entities"
	"github.com/reglet-dev/mcphost/internal/domain/values"
)

var module = []byte("\x00asm\x01\x00\x00\x00 signed module")

// materialStore serves detached signature material by location.
type materialStore struct {
	files   map[string][]byte
	fetches atomic.Int32
}

func (m *materialStore) Resolve(context.Context, *entities.PluginDeclaration) (*ports.ResolvedArtifact, error) {
	return nil, errors.New("not used")
}

func (m *materialStore) FetchRaw(_ context.Context, loc values.Location) ([]byte, error) {
	m.fetches.Add(1)
	data, ok := m.files[loc.String()]
	if !ok {
		return nil, apperrors.NewFetchError("", apperrors.CauseNotFound, loc.String(), nil)
	}
	return data, nil
}

type fakeRegistry struct {
	identity entities.Identity
	err      error
	pinned   values.Digest
}

func (f *fakeRegistry) VerifyImage(_ context.Context, _ values.Location, pinned values.Digest, _ entities.SignaturePolicy) (entities.Identity, error) {
	f.pinned = pinned
	return f.identity, f.err
}

func resolved(data []byte) *ports.ResolvedArtifact {
	return &ports.ResolvedArtifact{
		Artifact: entities.CachedArtifact{ContentHash: values.ComputeDigest(data)},
		Bytes:    data,
	}
}

func declaration(location string, policy entities.SignaturePolicy) *entities.PluginDeclaration {
	return &entities.PluginDeclaration{
		Name:      values.MustNewPluginName("time"),
		Location:  values.MustParseLocation(location),
		Signature: policy,
	}
}

func sign(t *testing.T, key *ecdsa.PrivateKey, data []byte) []byte {
	t.Helper()
	sum := sha256.Sum256(data)
	sig, err := ecdsa.SignASN1(rand.Reader, key, sum[:])
	require.NoError(t, err)
	return []byte(base64.StdEncoding.EncodeToString(sig))
}

func writePublicKey(t *testing.T, key *ecdsa.PrivateKey) string {
	t.Helper()
	pemBytes, err := cryptoutils.MarshalPublicKeyToPEM(key.Public())
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "cosign.pub")
	require.NoError(t, os.WriteFile(path, pemBytes, 0o600))
	return path
}

func TestVerifier_SkipVerification(t *testing.T) {
	v := NewVerifier(&materialStore{})
	d := declaration("/plugins/time.wasm", entities.SignaturePolicy{})
	d.Runtime.SkipVerification = true

	result, err := v.Verify(context.Background(), d, resolved(module))
	require.NoError(t, err)
	assert.True(t, result.Trusted)
	assert.True(t, result.Skipped)
}

func TestVerifier_NoPolicyFailsClosed(t *testing.T) {
	v := NewVerifier(&materialStore{})
	_, err := v.Verify(context.Background(), declaration("/plugins/time.wasm", entities.SignaturePolicy{}), resolved(module))
	assert.ErrorIs(t, err, apperrors.KindVerification)
}

func TestVerifier_DetachedKey(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	policy := entities.SignaturePolicy{Mode: entities.SignatureModeKey, PublicKeyPath: writePublicKey(t, key)}

	t.Run("valid signature", func(t *testing.T) {
		store := &materialStore{files: map[string][]byte{"/plugins/time.wasm.sig": sign(t, key, module)}}
		result, err := NewVerifier(store).Verify(context.Background(), declaration("/plugins/time.wasm", policy), resolved(module))
		require.NoError(t, err)
		assert.True(t, result.Trusted)
		assert.False(t, result.Skipped)
		assert.Contains(t, result.Identity.Subject, "cosign.pub")
	})

	t.Run("signature by another key", func(t *testing.T) {
		store := &materialStore{files: map[string][]byte{"/plugins/time.wasm.sig": sign(t, other, module)}}
		_, err := NewVerifier(store).Verify(context.Background(), declaration("/plugins/time.wasm", policy), resolved(module))
		assert.ErrorIs(t, err, apperrors.KindVerification)
	})

	t.Run("tampered module", func(t *testing.T) {
		store := &materialStore{files: map[string][]byte{"/plugins/time.wasm.sig": sign(t, key, module)}}
		_, err := NewVerifier(store).Verify(context.Background(), declaration("/plugins/time.wasm", policy), resolved([]byte("evil")))
		assert.ErrorIs(t, err, apperrors.KindVerification)
	})

	t.Run("missing signature", func(t *testing.T) {
		_, err := NewVerifier(&materialStore{}).Verify(context.Background(), declaration("/plugins/time.wasm", policy), resolved(module))
		assert.ErrorIs(t, err, apperrors.KindVerification)
	})
}

func TestVerifier_Memoized(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	policy := entities.SignaturePolicy{Mode: entities.SignatureModeKey, PublicKeyPath: writePublicKey(t, key)}
	store := &materialStore{files: map[string][]byte{"/plugins/time.wasm.sig": sign(t, key, module)}}
	v := NewVerifier(store)

	for i := 0; i < 3; i++ {
		_, err := v.Verify(context.Background(), declaration("/plugins/time.wasm", policy), resolved(module))
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), store.fetches.Load())
}

type keylessFixture struct {
	ca       *x509.Certificate
	leafPEM  []byte
	leafKey  *ecdsa.PrivateKey
	identity string
	issuer   string
}

func newKeylessFixture(t *testing.T) keylessFixture {
	t.Helper()
	now := time.Now()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test fulcio"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, caKey.Public(), caKey)
	require.NoError(t, err)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	issuer := "https://accounts.example.com"
	issuerValue, err := asn1.Marshal(issuer)
	require.NoError(t, err)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	leafTmpl := &x509.Certificate{
		SerialNumber:    big.NewInt(2),
		NotBefore:       now.Add(-time.Minute),
		NotAfter:        now.Add(9 * time.Minute),
		EmailAddresses:  []string{"dev@example.com"},
		KeyUsage:        x509.KeyUsageDigitalSignature,
		ExtKeyUsage:     []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
		ExtraExtensions: []pkix.Extension{{Id: oidIssuerV2, Value: issuerValue}},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, ca, leafKey.Public(), caKey)
	require.NoError(t, err)

	return keylessFixture{
		ca:       ca,
		leafPEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafDER}),
		leafKey:  leafKey,
		identity: "dev@example.com",
		issuer:   issuer,
	}
}

func TestVerifier_DetachedKeyless(t *testing.T) {
	fx := newKeylessFixture(t)
	loc := "https://plugins.example.com/time.wasm"
	material := func(cert []byte) *materialStore {
		return &materialStore{files: map[string][]byte{
			loc + ".sig": sign(t, fx.leafKey, module),
			loc + ".pem": cert,
		}}
	}

	t.Run("matching identity", func(t *testing.T) {
		v := NewVerifier(material(fx.leafPEM), WithTrustedRoots(StaticRoots(fx.ca)))
		policy := entities.SignaturePolicy{Mode: entities.SignatureModeKeyless, Identity: fx.identity, Issuer: fx.issuer}
		result, err := v.Verify(context.Background(), declaration(loc, policy), resolved(module))
		require.NoError(t, err)
		assert.Equal(t, fx.identity, result.Identity.Subject)
		assert.Equal(t, fx.issuer, result.Identity.Issuer)
	})

	t.Run("base64 wrapped certificate", func(t *testing.T) {
		wrapped := []byte(base64.StdEncoding.EncodeToString(fx.leafPEM))
		v := NewVerifier(material(wrapped), WithTrustedRoots(StaticRoots(fx.ca)))
		policy := entities.SignaturePolicy{Mode: entities.SignatureModeKeyless, Identity: fx.identity, Issuer: fx.issuer}
		_, err := v.Verify(context.Background(), declaration(loc, policy), resolved(module))
		require.NoError(t, err)
	})

	t.Run("wrong identity", func(t *testing.T) {
		v := NewVerifier(material(fx.leafPEM), WithTrustedRoots(StaticRoots(fx.ca)))
		policy := entities.SignaturePolicy{Mode: entities.SignatureModeKeyless, Identity: "mallory@example.com", Issuer: fx.issuer}
		_, err := v.Verify(context.Background(), declaration(loc, policy), resolved(module))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrIdentityMismatch)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		v := NewVerifier(material(fx.leafPEM), WithTrustedRoots(StaticRoots(fx.ca)))
		policy := entities.SignaturePolicy{Mode: entities.SignatureModeKeyless, Identity: fx.identity, Issuer: "https://evil.example.com"}
		_, err := v.Verify(context.Background(), declaration(loc, policy), resolved(module))
		assert.ErrorIs(t, err, ErrIssuerMismatch)
	})

	t.Run("untrusted authority", func(t *testing.T) {
		other := newKeylessFixture(t)
		v := NewVerifier(material(fx.leafPEM), WithTrustedRoots(StaticRoots(other.ca)))
		policy := entities.SignaturePolicy{Mode: entities.SignatureModeKeyless, Identity: fx.identity, Issuer: fx.issuer}
		_, err := v.Verify(context.Background(), declaration(loc, policy), resolved(module))
		assert.ErrorIs(t, err, apperrors.KindVerification)
	})
}

func TestVerifier_RegistryArtifacts(t *testing.T) {
	policy := entities.SignaturePolicy{Mode: entities.SignatureModeKeyless, Identity: "dev@example.com", Issuer: "https://accounts.example.com"}
	pinned := values.ComputeDigest([]byte("manifest"))
	art := resolved(module)
	art.Artifact.RemoteDigest = pinned

	t.Run("trusted", func(t *testing.T) {
		reg := &fakeRegistry{identity: entities.Identity{Subject: "dev@example.com", Issuer: "https://accounts.example.com"}}
		store := &materialStore{}
		v := NewVerifier(store, WithRegistryVerifier(reg))
		result, err := v.Verify(context.Background(), declaration("oci://ghcr.io/acme/time:1.0", policy), art)
		require.NoError(t, err)
		assert.Equal(t, "dev@example.com", result.Identity.Subject)
		assert.True(t, reg.pinned.Equals(pinned), "verification is pinned to the pulled manifest")
		assert.Zero(t, store.fetches.Load(), "registry artifacts never use detached material")
	})

	t.Run("no signatures", func(t *testing.T) {
		reg := &fakeRegistry{err: errors.New("no matching signatures")}
		v := NewVerifier(&materialStore{}, WithRegistryVerifier(reg))
		_, err := v.Verify(context.Background(), declaration("oci://ghcr.io/acme/time:1.0", policy), art)
		assert.ErrorIs(t, err, apperrors.KindVerification)
	})
}

func TestVerifier_RegistryArtifactWithoutManifestDigestFailsClosed(t *testing.T) {
	policy := entities.SignaturePolicy{Mode: entities.SignatureModeKeyless, Identity: "dev@example.com", Issuer: "https://accounts.example.com"}
	reg := &fakeRegistry{identity: entities.Identity{Subject: "dev@example.com", Issuer: "https://accounts.example.com"}}
	v := NewVerifier(&materialStore{}, WithRegistryVerifier(reg))

	result, err := v.Verify(context.Background(), declaration("oci://ghcr.io/acme/time:latest", policy), resolved(module))
	assert.Nil(t, result)
	assert.ErrorIs(t, err, apperrors.KindVerification)
	assert.True(t, reg.pinned.IsZero(), "the mutable tag is never verified")
}
