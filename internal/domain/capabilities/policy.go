package capabilities

import "strings"

// Policy represents an authorization policy that determines if a requested operation is allowed.
// This is a pure domain service.
type Policy struct{}

// NewPolicy creates a new domain policy.
func NewPolicy() *Policy {
	return &Policy{}
}

// IsGranted checks if a specific capability (request) is covered by any of the granted capabilities.
func (p *Policy) IsGranted(request Capability, granted []Capability) bool {
	for _, grant := range granted {
		if grant.Kind != request.Kind {
			continue
		}
		switch request.Kind {
		case KindNetwork:
			if matchHost(strings.ToLower(request.Pattern), grant.Pattern) {
				return true
			}
		default:
			// Tool exposure is exact: no wildcards, fail closed.
			if request.Pattern == grant.Pattern {
				return true
			}
		}
	}
	return false
}

// IsExplicitlyGranted reports whether request matches a grant literally, without wildcards.
// Used for destinations that need more than a pattern match (private addresses).
func (p *Policy) IsExplicitlyGranted(request Capability, granted []Capability) bool {
	for _, grant := range granted {
		if grant.Kind == request.Kind && strings.EqualFold(grant.Pattern, request.Pattern) {
			return true
		}
	}
	return false
}

// matchHost matches a hostname against a grant pattern.
// "*" matches everything, "*.example.com" matches any subdomain of example.com
// but not example.com itself, anything else must match exactly.
func matchHost(host, pattern string) bool {
	pattern = strings.ToLower(pattern)
	if pattern == "*" {
		return true
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(host, "."+suffix)
	}
	return host == pattern
}
