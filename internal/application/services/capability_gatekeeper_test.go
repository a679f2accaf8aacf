package services

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	apperrors "github.com/reglet-dev/mcphost/internal/application/errors"
	"github.com/reglet-dev/mcphost/internal/domain/execution"
	"github.com/reglet-dev/mcphost/internal/domain/values"
)

func TestCapabilityGatekeeper_ReviewGrant(t *testing.T) {
	broad := declare("crawler")
	broad.Runtime.AllowedOutboundHosts = []string{"*"}
	narrow := declare("api")
	narrow.Runtime.AllowedOutboundHosts = []string{"api.example.com", "*.example.org"}

	tests := []struct {
		level   string
		wantErr bool
	}{
		{level: SecurityStrict, wantErr: true},
		{level: SecurityStandard},
		{level: SecurityPermissive},
		{level: ""},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			g := NewCapabilityGatekeeper(tt.level, nil)
			assert.NoError(t, g.ReviewGrant(narrow))
			if tt.wantErr {
				assert.Error(t, g.ReviewGrant(broad))
			} else {
				assert.NoError(t, g.ReviewGrant(broad))
			}
		})
	}
}

// An exposure decision depends only on the target's allow-list, never on
// which plugin is asking.
func TestCapabilityGatekeeper_ToolCallMatrix(t *testing.T) {
	g := NewCapabilityGatekeeper(SecurityStandard, nil)
	toolGen := rapid.SampledFrom([]string{"time", "parse_time", "wrapper", "fetch", "*"})

	rapid.Check(t, func(t *rapid.T) {
		exposed := rapid.SliceOfDistinct(toolGen, rapid.ID[string]).Draw(t, "exposed")
		tool := toolGen.Draw(t, "tool")
		caller := rapid.SampledFrom([]string{"wrapper", "agent", "other"}).Draw(t, "caller")

		target := declare("time", exposed...)
		cc := execution.NewCallContext().Enter(values.MustNewPluginName(caller))
		err := g.AuthorizeToolCall(values.MustNewPluginName(caller), target, tool, cc)

		if slices.Contains(exposed, tool) {
			if err != nil {
				t.Fatalf("exposed tool %q denied: %v", tool, err)
			}
			return
		}
		if kind, _ := apperrors.KindOf(err); kind != apperrors.KindNotExposed {
			t.Fatalf("unexposed tool %q: got %v", tool, err)
		}
	})
}

func TestCapabilityGatekeeper_CycleAfterExposure(t *testing.T) {
	g := NewCapabilityGatekeeper(SecurityStandard, nil)
	a := values.MustNewPluginName("a")
	cc := execution.NewCallContext().Enter(a)

	err := g.AuthorizeToolCall(a, declare("a"), "loop", cc)
	assert.ErrorIs(t, err, apperrors.KindNotExposed, "exposure is checked first")

	err = g.AuthorizeToolCall(a, declare("a", "loop"), "loop", cc)
	require.ErrorIs(t, err, apperrors.KindCycleDetected)
	assert.Contains(t, err.Error(), "a -> a")
}

func TestCapabilityGatekeeper_AuthorizeFetch(t *testing.T) {
	g := NewCapabilityGatekeeper(SecurityStandard, nil)
	decl := declare("web")
	decl.Runtime.AllowedOutboundHosts = []string{"10.0.0.5", "*.internal.example"}

	private, err := g.AuthorizeFetch(decl, "10.0.0.5:8080")
	require.NoError(t, err)
	assert.True(t, private)

	private, err = g.AuthorizeFetch(decl, "db.internal.example")
	require.NoError(t, err)
	assert.False(t, private)

	_, err = g.AuthorizeFetch(decl, "10.0.0.6")
	assert.ErrorIs(t, err, apperrors.KindHostNotAllowed)

	_, err = g.AuthorizeFetch(decl, "")
	assert.ErrorIs(t, err, apperrors.KindHostNotAllowed)
}
