// Package sensitivedata tracks secret values (plugin environment values)
// so they can be scrubbed from anything a plugin emits.
package sensitivedata

import "sync"

// minTrackedLength keeps short values like "1" or "true" from blanking
// unrelated output.
const minTrackedLength = 4

// Provider implements ports.SensitiveValueProvider.
type Provider struct {
	seen   map[string]struct{}
	values []string
	mu     sync.RWMutex
}

// NewProvider creates an empty provider.
func NewProvider() *Provider {
	return &Provider{
		seen:   make(map[string]struct{}),
		values: make([]string, 0, 32),
	}
}

// Track registers a sensitive value. Duplicates and values shorter than
// four bytes are ignored.
func (p *Provider) Track(value string) {
	if len(value) < minTrackedLength {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[value]; ok {
		return
	}
	p.seen[value] = struct{}{}
	p.values = append(p.values, value)
}

// AllValues returns a copy of all tracked values.
func (p *Provider) AllValues() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	result := make([]string, len(p.values))
	copy(result, p.values)
	return result
}
