// Package capabilities defines domain types for capability management.
package capabilities

import "strings"

// Capability kinds granted by a plugin declaration.
const (
	// KindNetwork grants outbound fetches to a host pattern ("api.example.com", "*.example.com", "*").
	KindNetwork = "network"
	// KindTool exposes one of the plugin's own tools to cross-plugin callers.
	KindTool = "tool"
)

// RiskLevel represents the security risk level of a capability.
type RiskLevel int

const (
	// RiskLevelLow represents minimal security risk (specific, narrow permissions).
	RiskLevelLow RiskLevel = iota
	// RiskLevelMedium represents moderate security risk (network access to named hosts).
	RiskLevelMedium
	// RiskLevelHigh represents high security risk (broad permissions).
	RiskLevelHigh
)

// String returns a human-readable representation of the risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskLevelLow:
		return "low"
	case RiskLevelMedium:
		return "medium"
	case RiskLevelHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Capability represents a permission requirement or grant.
// This is a pure value object in the domain.
type Capability struct {
	Kind    string // network, tool
	Pattern string // e.g., "api.example.com", "*.example.com", "get_time"
}

// Network builds a network capability for host.
func Network(host string) Capability {
	return Capability{Kind: KindNetwork, Pattern: strings.ToLower(strings.TrimSpace(host))}
}

// Tool builds a tool exposure capability.
func Tool(name string) Capability {
	return Capability{Kind: KindTool, Pattern: strings.TrimSpace(name)}
}

// Equals checks if two capabilities are equal (value object equality).
func (c Capability) Equals(other Capability) bool {
	return c.Kind == other.Kind && c.Pattern == other.Pattern
}

// String returns a human-readable representation of the capability.
func (c Capability) String() string {
	return c.Kind + ":" + c.Pattern
}

// IsEmpty returns true if this is a zero-value capability.
func (c Capability) IsEmpty() bool {
	return c.Kind == "" && c.Pattern == ""
}

// IsBroad returns true if this capability pattern is overly permissive.
func (c Capability) IsBroad() bool {
	switch c.Kind {
	case KindNetwork:
		return c.Pattern == "*"
	default:
		return false
	}
}

// RiskLevel returns the security risk level of this capability.
func (c Capability) RiskLevel() RiskLevel {
	if c.IsBroad() {
		return RiskLevelHigh
	}
	if c.Kind == KindNetwork {
		return RiskLevelMedium
	}
	return RiskLevelLow
}
