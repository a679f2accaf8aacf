package values

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Scheme identifies how a plugin location is fetched.
type Scheme string

// Supported location schemes.
const (
	SchemeFile  Scheme = "file"
	SchemeHTTP  Scheme = "http"
	SchemeHTTPS Scheme = "https"
	SchemeOCI   Scheme = "oci"
	SchemeS3    Scheme = "s3"
)

// Location is a declared plugin source: a scheme plus an address.
type Location struct {
	raw     string
	scheme  Scheme
	address string
}

// ParseLocation parses a plugin location. Bare paths are treated as local files.
// Any "<scheme>://" prefix is accepted here; resolvers reject schemes they don't serve.
func ParseLocation(s string) (Location, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Location{}, fmt.Errorf("location cannot be empty")
	}

	scheme, rest, found := strings.Cut(s, "://")
	if !found {
		return Location{raw: s, scheme: SchemeFile, address: filepath.Clean(s)}, nil
	}

	scheme = strings.ToLower(scheme)
	if scheme == "" || rest == "" {
		return Location{}, fmt.Errorf("invalid location %q", s)
	}

	switch Scheme(scheme) {
	case SchemeHTTP, SchemeHTTPS:
		// HTTP addresses keep the full URL.
		return Location{raw: s, scheme: Scheme(scheme), address: s}, nil
	case SchemeFile:
		return Location{raw: s, scheme: SchemeFile, address: filepath.Clean(rest)}, nil
	default:
		return Location{raw: s, scheme: Scheme(scheme), address: rest}, nil
	}
}

// MustParseLocation parses a location or panics (for tests only)
func MustParseLocation(s string) Location {
	loc, err := ParseLocation(s)
	if err != nil {
		panic(err)
	}
	return loc
}

// Scheme returns the location scheme.
func (l Location) Scheme() Scheme {
	return l.scheme
}

// Address returns the scheme-specific address: a path, a URL, "registry/repo:tag" or "bucket/key".
func (l Location) Address() string {
	return l.address
}

// String returns the location as declared.
func (l Location) String() string {
	return l.raw
}

// IsEmpty returns true if this is the zero value
func (l Location) IsEmpty() bool {
	return l.raw == ""
}

// WithSuffix returns a sibling location with suffix appended to the address,
// used to find detached signature material ("<location>.sig").
func (l Location) WithSuffix(suffix string) Location {
	return Location{raw: l.raw + suffix, scheme: l.scheme, address: l.address + suffix}
}
