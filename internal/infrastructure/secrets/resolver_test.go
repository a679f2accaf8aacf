package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/mcphost/internal/infrastructure/sensitivedata"
	"github.com/reglet-dev/mcphost/internal/infrastructure/system"
)

func TestResolver_Resolve(t *testing.T) {
	secretFile := filepath.Join(t.TempDir(), "token.txt")
	require.NoError(t, os.WriteFile(secretFile, []byte("  file-secret-value\n"), 0o600))
	t.Setenv("MCPHOST_TEST_TOKEN", "env-secret-value")

	tracker := sensitivedata.NewProvider()
	resolver := NewResolver(system.SecretsConfig{
		Local: map[string]string{"local_key": "local-secret-value"},
		Env:   map[string]string{"env_key": "MCPHOST_TEST_TOKEN", "unset_key": "MCPHOST_TEST_UNSET"},
		Files: map[string]string{"file_key": secretFile, "missing_file": filepath.Join(t.TempDir(), "nope")},
	}, tracker)

	tests := []struct {
		name    string
		secret  string
		want    string
		wantErr bool
	}{
		{name: "local", secret: "local_key", want: "local-secret-value"},
		{name: "env", secret: "env_key", want: "env-secret-value"},
		{name: "file is trimmed", secret: "file_key", want: "file-secret-value"},
		{name: "unset env var", secret: "unset_key", wantErr: true},
		{name: "missing file", secret: "missing_file", wantErr: true},
		{name: "unknown", secret: "unknown", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolver.Resolve(tt.secret)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Contains(t, tracker.AllValues(), tt.want)
		})
	}

	_, err := resolver.Resolve("unknown")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestResolver_CachesWithinOneLoad(t *testing.T) {
	cfg := system.SecretsConfig{Local: map[string]string{"key": "value-one"}}
	resolver := NewResolver(cfg, nil)

	got, err := resolver.Resolve("key")
	require.NoError(t, err)
	assert.Equal(t, "value-one", got)

	cfg.Local["key"] = "value-two"
	got, err = resolver.Resolve("key")
	require.NoError(t, err)
	assert.Equal(t, "value-one", got)

	fresh, err := NewResolver(cfg, nil).Resolve("key")
	require.NoError(t, err)
	assert.Equal(t, "value-two", fresh)
}
