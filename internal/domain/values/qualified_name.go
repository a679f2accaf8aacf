package values

import (
	"fmt"
	"strings"
)

// NamespaceSeparator joins a plugin name and an item name.
const NamespaceSeparator = "::"

// QualifiedName addresses a tool, resource, or prompt owned by one plugin: "plugin::item".
type QualifiedName struct {
	plugin PluginName
	item   string
}

// Qualify builds a QualifiedName from its parts.
func Qualify(plugin PluginName, item string) QualifiedName {
	return QualifiedName{plugin: plugin, item: item}
}

// ParseQualifiedName splits "plugin::item" at the first separator.
// The item part may itself contain the separator (e.g. namespaced resource URIs).
func ParseQualifiedName(s string) (QualifiedName, error) {
	pluginPart, item, found := strings.Cut(s, NamespaceSeparator)
	if !found {
		return QualifiedName{}, fmt.Errorf("name %q is not qualified with a plugin (expected plugin%sname)", s, NamespaceSeparator)
	}
	if item == "" {
		return QualifiedName{}, fmt.Errorf("name %q has an empty item part", s)
	}
	plugin, err := NewPluginName(pluginPart)
	if err != nil {
		return QualifiedName{}, fmt.Errorf("name %q: %w", s, err)
	}
	return QualifiedName{plugin: plugin, item: item}, nil
}

// Plugin returns the owning plugin.
func (q QualifiedName) Plugin() PluginName {
	return q.plugin
}

// Item returns the plugin-local name.
func (q QualifiedName) Item() string {
	return q.item
}

// String returns "plugin::item".
func (q QualifiedName) String() string {
	return q.plugin.String() + NamespaceSeparator + q.item
}

// IsEmpty returns true if this is the zero value
func (q QualifiedName) IsEmpty() bool {
	return q.plugin.IsEmpty() && q.item == ""
}
