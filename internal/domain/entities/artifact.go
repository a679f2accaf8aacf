package entities

import (
	"time"

	"github.com/reglet-dev/mcphost/internal/domain/values"
)

// CachedArtifact records plugin bytes stored in the content-addressed cache.
// Never mutated after creation.
type CachedArtifact struct {
	ContentHash    values.Digest
	LocalPath      string
	FetchedAt      time.Time
	SourceLocation values.Location
	// RemoteDigest is the digest the source declared for what it served
	// (e.g. the OCI manifest digest), used to locate registry signatures.
	RemoteDigest values.Digest
}

// Identity is the signer identity recorded by a successful verification.
type Identity struct {
	Subject string
	Issuer  string
}

// String renders the identity for logs.
func (i Identity) String() string {
	if i.Issuer == "" {
		return i.Subject
	}
	return i.Subject + " (" + i.Issuer + ")"
}

// VerificationResult is the outcome of a provenance check.
// Computed once per artifact per process run and never persisted.
type VerificationResult struct {
	ArtifactHash values.Digest
	Trusted      bool
	Skipped      bool
	Identity     Identity
	Reason       string // Why the artifact is untrusted
	VerifiedAt   time.Time
}
