package capabilities

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrant_NewGrant(t *testing.T) {
	g := NewGrant()
	assert.Empty(t, g)
}

func TestGrant_Add(t *testing.T) {
	g := NewGrant()
	cap1 := Tool("time")
	cap2 := Network("api.example.com")

	g.Add(cap1)
	require.Len(t, g, 1)
	assert.Equal(t, cap1, g[0])

	g.Add(cap2)
	require.Len(t, g, 2)
	assert.Equal(t, cap2, g[1])

	// Adding duplicate should not change length
	g.Add(cap1)
	require.Len(t, g, 2)
}

func TestGrant_Contains(t *testing.T) {
	cap1 := Tool("time")
	cap2 := Network("api.example.com")
	g := Grant{cap1, cap2}

	assert.True(t, g.Contains(cap1))
	assert.True(t, g.Contains(cap2))
	assert.False(t, g.Contains(Tool("other")))
}

func TestGrant_ContainsAny(t *testing.T) {
	cap1 := Tool("time")
	cap2 := Network("api.example.com")
	cap3 := Network("*.example.org")
	g := Grant{cap1, cap2}

	assert.True(t, g.ContainsAny([]Capability{cap1, cap3}))
	assert.True(t, g.ContainsAny([]Capability{cap2}))
	assert.False(t, g.ContainsAny([]Capability{cap3}))
	assert.False(t, g.ContainsAny([]Capability{}))
}

func TestGrant_Remove(t *testing.T) {
	cap1 := Tool("time")
	cap2 := Network("api.example.com")
	cap3 := Network("*.example.org")
	g := Grant{cap1, cap2, cap3}

	g.Remove(cap2)
	require.Len(t, g, 2)
	assert.False(t, g.Contains(cap2))
	assert.True(t, g.Contains(cap1))
	assert.True(t, g.Contains(cap3))

	// Removing non-existent cap should not change length
	g.Remove(Tool("other"))
	require.Len(t, g, 2)
}

func TestGrant_OfKind(t *testing.T) {
	g := NewGrant()
	g.Add(Tool("time"))
	g.Add(Network("api.example.com"))
	g.Add(Network("*.example.org"))

	assert.Equal(t, Grant{Tool("time")}, g.OfKind(KindTool))
	assert.Equal(t, []string{"api.example.com", "*.example.org"}, g.Patterns(KindNetwork))
	assert.Empty(t, g.OfKind("fs"))
}
