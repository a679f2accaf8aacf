package secrets

import (
	"context"
	"fmt"

	"github.com/reglet-dev/mcphost/internal/application/ports"
	"github.com/reglet-dev/mcphost/internal/infrastructure/system"
)

// RegistryAuth implements ports.AuthProvider from configured registry
// logins. Hosts without an entry are pulled anonymously.
type RegistryAuth struct {
	logins  map[string]system.RegistryCredential
	secrets ports.SecretResolver
}

var _ ports.AuthProvider = (*RegistryAuth)(nil)

// NewRegistryAuth creates a provider resolving passwords through secrets.
func NewRegistryAuth(logins map[string]system.RegistryCredential, secrets ports.SecretResolver) *RegistryAuth {
	return &RegistryAuth{logins: logins, secrets: secrets}
}

// GetCredentials implements ports.AuthProvider.
func (a *RegistryAuth) GetCredentials(_ context.Context, registry string) (string, string, error) {
	login, ok := a.logins[registry]
	if !ok {
		return "", "", nil
	}
	if login.PasswordSecret == "" {
		return login.Username, "", nil
	}
	password, err := a.secrets.Resolve(login.PasswordSecret)
	if err != nil {
		return "", "", fmt.Errorf("registry %s: %w", registry, err)
	}
	return login.Username, password, nil
}
