// Package values contains domain value objects that encapsulate
// primitive types with validation and such.
package values

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PluginName represents a validated plugin identifier.
// Enforces non-empty, trimmed plugin names that cannot contain the
// namespace separator.
type PluginName struct {
	value string
}

// NewPluginName creates a PluginName with validation
func NewPluginName(name string) (PluginName, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return PluginName{}, fmt.Errorf("plugin name cannot be empty")
	}
	if strings.Contains(name, NamespaceSeparator) {
		return PluginName{}, fmt.Errorf("plugin name %q cannot contain %q", name, NamespaceSeparator)
	}
	for _, r := range name {
		if r == '/' || r == '\\' || r < 0x20 {
			return PluginName{}, fmt.Errorf("plugin name %q contains invalid character %q", name, r)
		}
	}
	return PluginName{value: name}, nil
}

// MustNewPluginName creates a PluginName or panics
func MustNewPluginName(name string) PluginName {
	pn, err := NewPluginName(name)
	if err != nil {
		panic(err)
	}
	return pn
}

// String returns the string representation
func (p PluginName) String() string {
	return p.value
}

// IsEmpty returns true if this is the zero value
func (p PluginName) IsEmpty() bool {
	return p.value == ""
}

// Equals checks if two plugin names are equal
func (p PluginName) Equals(other PluginName) bool {
	return p.value == other.value
}

// MarshalJSON implements json.Marshaler
func (p PluginName) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.value)
}

// UnmarshalJSON implements json.Unmarshaler
func (p *PluginName) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid plugin name JSON: %w", err)
	}

	name, err := NewPluginName(s)
	if err != nil {
		return err
	}
	*p = name
	return nil
}
