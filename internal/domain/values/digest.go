package values

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Digest is a content digest in "sha256:<hex>" form.
type Digest struct {
	value digest.Digest
}

// ComputeDigest returns the sha256 digest of data.
func ComputeDigest(data []byte) Digest {
	sum := sha256.Sum256(data)
	return Digest{value: digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(sum[:]))}
}

// ParseDigest validates s. A bare 64-character hex string is treated as sha256.
func ParseDigest(s string) (Digest, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Digest{}, nil
	}
	if !strings.Contains(s, ":") {
		s = string(digest.SHA256) + ":" + s
	}
	d, err := digest.Parse(s)
	if err != nil {
		return Digest{}, fmt.Errorf("invalid digest %q: %w", s, err)
	}
	if d.Algorithm() != digest.SHA256 {
		return Digest{}, fmt.Errorf("unsupported digest algorithm %q (only sha256)", d.Algorithm())
	}
	return Digest{value: d}, nil
}

// MustParseDigest parses a digest or panics (for tests only)
func MustParseDigest(s string) Digest {
	d, err := ParseDigest(s)
	if err != nil {
		panic(err)
	}
	return d
}

// String returns "sha256:<hex>", or "" for the zero value.
func (d Digest) String() string {
	return string(d.value)
}

// Hex returns the encoded part of the digest.
func (d Digest) Hex() string {
	if d.IsZero() {
		return ""
	}
	return d.value.Encoded()
}

// IsZero returns true if no digest is set.
func (d Digest) IsZero() bool {
	return d.value == ""
}

// Equals checks if two digests are equal.
func (d Digest) Equals(other Digest) bool {
	return d.value == other.value
}

// Matches reports whether data hashes to this digest.
func (d Digest) Matches(data []byte) bool {
	return !d.IsZero() && d.Equals(ComputeDigest(data))
}
