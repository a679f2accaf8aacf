package ports

import "context"

// AuthProvider retrieves credentials for private artifact registries.
type AuthProvider interface {
	// GetCredentials returns username and password for a registry host.
	// Empty values mean anonymous access.
	GetCredentials(ctx context.Context, registry string) (username, password string, err error)
}
