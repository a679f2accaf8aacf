// Package entities contains the domain entities of the plugin host.
package entities

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/reglet-dev/mcphost/internal/domain/capabilities"
	"github.com/reglet-dev/mcphost/internal/domain/values"
)

// SignatureMode selects how a plugin's provenance is checked.
type SignatureMode string

const (
	// SignatureModeNone means no signing authority was configured.
	// Unless verification is skipped, such a plugin fails to load.
	SignatureModeNone SignatureMode = ""
	// SignatureModeKeyless checks a certificate-bound signature against an identity/issuer pair.
	SignatureModeKeyless SignatureMode = "keyless"
	// SignatureModeKey checks a detached signature against a public key.
	SignatureModeKey SignatureMode = "key"
)

// SignaturePolicy is the trust policy for one plugin.
type SignaturePolicy struct {
	Mode          SignatureMode
	Identity      string // Certificate subject (email or URI) for keyless
	Issuer        string // OIDC issuer for keyless
	PublicKeyPath string // PEM public key for key mode
}

// RuntimeConfig holds the operator-granted sandbox settings for a plugin.
type RuntimeConfig struct {
	MemoryLimit          string // As declared ("64MiB"), kept for display
	MemoryLimitBytes     uint64 // 0 = host default
	AllowedOutboundHosts []string
	Environment          map[string]string
	CrossPluginTools     []string
	SkipVerification     bool
	MaxInstances         int           // 0 = host default
	CallTimeout          time.Duration // 0 = host default
}

// PluginDeclaration is an operator-supplied plugin entry.
// It is immutable once loaded; reloads replace whole declarations.
type PluginDeclaration struct {
	Name      values.PluginName
	Location  values.Location
	Digest    values.Digest // Expected digest of the module bytes, optional
	Signature SignaturePolicy
	Runtime   RuntimeConfig
}

// Validate checks declaration invariants.
func (d *PluginDeclaration) Validate() error {
	if d.Name.IsEmpty() {
		return fmt.Errorf("plugin name is required")
	}
	if d.Location.IsEmpty() {
		return fmt.Errorf("plugin %s: location is required", d.Name)
	}
	if d.Runtime.MaxInstances < 0 {
		return fmt.Errorf("plugin %s: max_instances must be >= 0", d.Name)
	}
	if d.Runtime.CallTimeout < 0 {
		return fmt.Errorf("plugin %s: call_timeout must be >= 0", d.Name)
	}
	switch d.Signature.Mode {
	case SignatureModeNone:
	case SignatureModeKeyless:
		if d.Signature.Identity == "" || d.Signature.Issuer == "" {
			return fmt.Errorf("plugin %s: keyless verification requires identity and issuer", d.Name)
		}
	case SignatureModeKey:
		if d.Signature.PublicKeyPath == "" {
			return fmt.Errorf("plugin %s: key verification requires public_key", d.Name)
		}
	default:
		return fmt.Errorf("plugin %s: unknown signature mode %q", d.Name, d.Signature.Mode)
	}
	return nil
}

// Grant returns the capabilities this declaration grants to its plugin.
func (d *PluginDeclaration) Grant() capabilities.Grant {
	g := capabilities.NewGrant()
	for _, host := range d.Runtime.AllowedOutboundHosts {
		g.Add(capabilities.Network(host))
	}
	for _, tool := range d.Runtime.CrossPluginTools {
		g.Add(capabilities.Tool(tool))
	}
	return g
}

// Equals reports whether two declarations are identical in every field.
func (d *PluginDeclaration) Equals(other *PluginDeclaration) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.Name.Equals(other.Name) &&
		d.Location.String() == other.Location.String() &&
		d.Digest.Equals(other.Digest) &&
		d.Signature == other.Signature &&
		d.Runtime.MemoryLimitBytes == other.Runtime.MemoryLimitBytes &&
		d.Runtime.SkipVerification == other.Runtime.SkipVerification &&
		d.Runtime.MaxInstances == other.Runtime.MaxInstances &&
		d.Runtime.CallTimeout == other.Runtime.CallTimeout &&
		slices.Equal(d.Runtime.AllowedOutboundHosts, other.Runtime.AllowedOutboundHosts) &&
		slices.Equal(d.Runtime.CrossPluginTools, other.Runtime.CrossPluginTools) &&
		maps.Equal(d.Runtime.Environment, other.Runtime.Environment)
}
