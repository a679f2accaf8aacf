// Package capabilities defines domain types for capability management.
package capabilities

// Grant is the set of capabilities an operator granted to one plugin.
// Order follows the declaration; duplicates are dropped.
type Grant []Capability

// NewGrant creates a new empty Grant.
func NewGrant() Grant {
	return make(Grant, 0)
}

// Add adds a capability to the grant if it's not already present.
func (g *Grant) Add(cap Capability) {
	for _, existing := range *g {
		if existing.Equals(cap) {
			return
		}
	}
	*g = append(*g, cap)
}

// Contains checks if the grant contains a specific capability.
func (g Grant) Contains(cap Capability) bool {
	for _, existing := range g {
		if existing.Equals(cap) {
			return true
		}
	}
	return false
}

// OfKind returns the capabilities of one kind.
func (g Grant) OfKind(kind string) Grant {
	out := NewGrant()
	for _, c := range g {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// Patterns returns the patterns of the capabilities of one kind.
func (g Grant) Patterns(kind string) []string {
	var out []string
	for _, c := range g.OfKind(kind) {
		out = append(out, c.Pattern)
	}
	return out
}

// ContainsAny checks if the grant contains any of the given capabilities.
func (g Grant) ContainsAny(caps []Capability) bool {
	for _, cap := range caps {
		if g.Contains(cap) {
			return true
		}
	}
	return false
}

// Remove removes a capability from the grant.
func (g *Grant) Remove(cap Capability) {
	for i, existing := range *g {
		if existing.Equals(cap) {
			*g = append((*g)[:i], (*g)[i+1:]...)
			return
		}
	}
}
