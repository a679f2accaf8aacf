package signing

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/sigstore/sigstore/pkg/cryptoutils"
	"github.com/sigstore/sigstore/pkg/fulcioroots"
	"github.com/sigstore/sigstore/pkg/signature"

	"github.com/reglet-dev/mcphost/internal/domain/entities"
)

// Fulcio certificate extensions carrying the OIDC issuer.
var (
	oidIssuerV1 = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 57264, 1, 1}
	oidIssuerV2 = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 57264, 1, 8}
)

// Sentinel failures of detached verification.
var (
	ErrIdentityMismatch = errors.New("certificate identity does not match policy")
	ErrIssuerMismatch   = errors.New("certificate issuer does not match policy")
)

// RootProvider returns the CA pool and intermediates keyless certificates
// must chain to.
type RootProvider func() (roots, intermediates *x509.CertPool, err error)

// FulcioRoots returns the public Sigstore certificate authorities.
func FulcioRoots() RootProvider {
	return func() (*x509.CertPool, *x509.CertPool, error) {
		roots, err := fulcioroots.Get()
		if err != nil {
			return nil, nil, fmt.Errorf("load fulcio roots: %w", err)
		}
		intermediates, err := fulcioroots.GetIntermediates()
		if err != nil {
			return nil, nil, fmt.Errorf("load fulcio intermediates: %w", err)
		}
		return roots, intermediates, nil
	}
}

// StaticRoots trusts exactly the given certificates.
func StaticRoots(certs ...*x509.Certificate) RootProvider {
	return func() (*x509.CertPool, *x509.CertPool, error) {
		pool := x509.NewCertPool()
		for _, c := range certs {
			pool.AddCert(c)
		}
		return pool, x509.NewCertPool(), nil
	}
}

type detachedVerifier struct {
	roots RootProvider
}

// verifyWithKey checks a detached signature against a PEM public key.
func (d *detachedVerifier) verifyWithKey(module, sig []byte, keyPath string) (entities.Identity, error) {
	verifier, err := loadKeyVerifier(keyPath)
	if err != nil {
		return entities.Identity{}, err
	}
	if err := verifier.VerifySignature(bytes.NewReader(decodeSignature(sig)), bytes.NewReader(module)); err != nil {
		return entities.Identity{}, fmt.Errorf("signature does not match key %s: %w", keyPath, err)
	}
	return entities.Identity{Subject: "key:" + keyPath}, nil
}

// verifyKeyless checks a detached signature made by a short-lived
// certificate. The chain is validated at the certificate's issuance time
// since the certificate itself expires minutes after signing.
func (d *detachedVerifier) verifyKeyless(module, sig, certPEM []byte, policy entities.SignaturePolicy) (entities.Identity, error) {
	cert, err := parseCertificate(certPEM)
	if err != nil {
		return entities.Identity{}, err
	}

	roots, intermediates, err := d.roots()
	if err != nil {
		return entities.Identity{}, err
	}
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   cert.NotBefore,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	}); err != nil {
		return entities.Identity{}, fmt.Errorf("certificate chain: %w", err)
	}

	identity, err := identityFromCert(cert)
	if err != nil {
		return entities.Identity{}, err
	}
	if err := matchPolicy(identity, cert, policy); err != nil {
		return entities.Identity{}, err
	}

	verifier, err := signature.LoadVerifier(cert.PublicKey, crypto.SHA256)
	if err != nil {
		return entities.Identity{}, fmt.Errorf("load verifier: %w", err)
	}
	if err := verifier.VerifySignature(bytes.NewReader(decodeSignature(sig)), bytes.NewReader(module)); err != nil {
		return entities.Identity{}, fmt.Errorf("signature does not match certificate: %w", err)
	}
	return identity, nil
}

// matchPolicy requires the policy identity among the certificate's
// subject alternative names and an exact issuer match.
func matchPolicy(identity entities.Identity, cert *x509.Certificate, policy entities.SignaturePolicy) error {
	if identity.Issuer != policy.Issuer {
		return fmt.Errorf("%w: got %q, want %q", ErrIssuerMismatch, identity.Issuer, policy.Issuer)
	}
	for _, san := range cryptoutils.GetSubjectAlternateNames(cert) {
		if san == policy.Identity {
			return nil
		}
	}
	return fmt.Errorf("%w: got %q, want %q", ErrIdentityMismatch, identity.Subject, policy.Identity)
}

// identityFromCert extracts the OIDC subject and issuer from a Fulcio
// certificate.
func identityFromCert(cert *x509.Certificate) (entities.Identity, error) {
	var id entities.Identity
	for _, ext := range cert.Extensions {
		switch {
		case ext.Id.Equal(oidIssuerV2):
			var issuer string
			if _, err := asn1.Unmarshal(ext.Value, &issuer); err != nil {
				return id, fmt.Errorf("decode issuer extension: %w", err)
			}
			id.Issuer = issuer
		case ext.Id.Equal(oidIssuerV1) && id.Issuer == "":
			id.Issuer = string(ext.Value)
		}
	}
	if id.Issuer == "" {
		return id, errors.New("certificate carries no OIDC issuer")
	}

	sans := cryptoutils.GetSubjectAlternateNames(cert)
	if len(sans) == 0 {
		return id, errors.New("certificate carries no subject alternative name")
	}
	id.Subject = sans[0]
	return id, nil
}

// parseCertificate accepts PEM or base64-wrapped PEM, as written by
// cosign sign-blob --output-certificate.
func parseCertificate(raw []byte) (*x509.Certificate, error) {
	data := bytes.TrimSpace(raw)
	if !bytes.Contains(data, []byte("-----BEGIN")) {
		decoded, err := base64.StdEncoding.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("certificate is neither PEM nor base64: %w", err)
		}
		data = decoded
	}
	certs, err := cryptoutils.UnmarshalCertificatesFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	if len(certs) == 0 {
		return nil, errors.New("no certificate in signing material")
	}
	return certs[0], nil
}

// decodeSignature accepts raw or base64-encoded signatures.
func decodeSignature(sig []byte) []byte {
	trimmed := strings.TrimSpace(string(sig))
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
		return decoded
	}
	return sig
}
