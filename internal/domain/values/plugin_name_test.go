package values

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_NewPluginName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"valid", "time", "time", false},
		{"with dashes", "qr-code", "qr-code", false},
		{"trims whitespace", "  time  ", "time", false},
		{"empty", "", "", true},
		{"whitespace only", "   ", "", true},
		{"namespace separator", "time::clock", "", true},
		{"path separator", "a/b", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pn, err := NewPluginName(tt.input)

			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, pn.String())
			}
		})
	}
}

func Test_MustNewPluginName(t *testing.T) {
	pn := MustNewPluginName("time")
	assert.Equal(t, "time", pn.String())
}

func Test_MustNewPluginName_Panics(t *testing.T) {
	assert.Panics(t, func() {
		MustNewPluginName("")
	})
}

func Test_PluginName_IsEmpty(t *testing.T) {
	zero := PluginName{}
	assert.True(t, zero.IsEmpty())

	nonZero := MustNewPluginName("time")
	assert.False(t, nonZero.IsEmpty())
}

func Test_PluginName_Equals(t *testing.T) {
	pn1 := MustNewPluginName("time")
	pn2 := MustNewPluginName("wrapper")
	pn3 := MustNewPluginName("time")

	assert.False(t, pn1.Equals(pn2))
	assert.True(t, pn1.Equals(pn3))
}

func Test_PluginName_JSON(t *testing.T) {
	original := MustNewPluginName("time")

	data, err := json.Marshal(original)
	require.NoError(t, err)
	assert.Equal(t, `"time"`, string(data))

	var decoded PluginName
	err = json.Unmarshal(data, &decoded)
	require.NoError(t, err)
	assert.True(t, original.Equals(decoded))
}
