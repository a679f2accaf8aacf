package entities

import (
	"testing"

	"github.com/reglet-dev/mcphost/internal/domain/capabilities"
	"github.com/reglet-dev/mcphost/internal/domain/values"
	"github.com/stretchr/testify/assert"
)

func newDecl() *PluginDeclaration {
	return &PluginDeclaration{
		Name:     values.MustNewPluginName("time"),
		Location: values.MustParseLocation("oci://ghcr.io/acme/time:1"),
		Runtime: RuntimeConfig{
			AllowedOutboundHosts: []string{"api.example.com"},
			CrossPluginTools:     []string{"time"},
			Environment:          map[string]string{"TZ": "UTC"},
		},
	}
}

func TestPluginDeclaration_Validate(t *testing.T) {
	assert.NoError(t, newDecl().Validate())

	missingLoc := newDecl()
	missingLoc.Location = values.Location{}
	assert.Error(t, missingLoc.Validate())

	keyless := newDecl()
	keyless.Signature = SignaturePolicy{Mode: SignatureModeKeyless, Identity: "dev@example.com"}
	assert.ErrorContains(t, keyless.Validate(), "identity and issuer")

	key := newDecl()
	key.Signature = SignaturePolicy{Mode: SignatureModeKey}
	assert.ErrorContains(t, key.Validate(), "public_key")

	unknown := newDecl()
	unknown.Signature = SignaturePolicy{Mode: "pgp"}
	assert.Error(t, unknown.Validate())
}

func TestPluginDeclaration_Grant(t *testing.T) {
	g := newDecl().Grant()

	assert.True(t, g.Contains(capabilities.Network("api.example.com")))
	assert.True(t, g.Contains(capabilities.Tool("time")))
	assert.Len(t, g, 2)
}

func TestPluginDeclaration_Equals(t *testing.T) {
	a, b := newDecl(), newDecl()
	assert.True(t, a.Equals(b))

	b.Runtime.Environment["TZ"] = "Europe/Paris"
	assert.False(t, a.Equals(b))

	c := newDecl()
	c.Runtime.CrossPluginTools = nil
	assert.False(t, a.Equals(c))

	assert.False(t, a.Equals(nil))
}
