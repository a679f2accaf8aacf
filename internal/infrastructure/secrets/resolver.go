// Package secrets resolves the named secrets plugin environments refer to,
// from the host config, environment variables or files.
package secrets

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/reglet-dev/mcphost/internal/application/ports"
	"github.com/reglet-dev/mcphost/internal/infrastructure/system"
)

// ErrSecretNotFound is returned for names no source defines.
var ErrSecretNotFound = errors.New("secret not found")

// Resolver implements ports.SecretResolver. Every resolved value is tracked
// for redaction. Build a new Resolver per config load so rotated secrets
// are picked up on reload.
type Resolver struct {
	config  system.SecretsConfig
	tracker ports.SensitiveValueProvider
	mu      sync.Mutex
	cache   map[string]string
}

var _ ports.SecretResolver = (*Resolver)(nil)

// NewResolver creates a resolver. tracker may be nil.
func NewResolver(config system.SecretsConfig, tracker ports.SensitiveValueProvider) *Resolver {
	return &Resolver{
		config:  config,
		tracker: tracker,
		cache:   make(map[string]string),
	}
}

// Resolve returns the secret value by name.
// It checks sources in order: Local -> Env -> Files.
func (r *Resolver) Resolve(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if value, ok := r.cache[name]; ok {
		return value, nil
	}
	value, err := r.lookup(name)
	if err != nil {
		return "", err
	}
	r.cache[name] = value
	if r.tracker != nil {
		r.tracker.Track(value)
	}
	return value, nil
}

func (r *Resolver) lookup(name string) (string, error) {
	if value, ok := r.config.Local[name]; ok {
		return value, nil
	}

	if envVar, ok := r.config.Env[name]; ok {
		value, set := os.LookupEnv(envVar)
		if !set || value == "" {
			return "", fmt.Errorf("secret %q: env var %q is not set", name, envVar)
		}
		return value, nil
	}

	if path, ok := r.config.Files[name]; ok {
		return readSecretFile(name, path)
	}

	return "", fmt.Errorf("secret %q: %w in local, env, or files", name, ErrSecretNotFound)
}

// readSecretFile reads an admin-configured file through os.Root so the
// configured name cannot escape its directory.
func readSecretFile(name, path string) (string, error) {
	root, err := os.OpenRoot(filepath.Dir(path))
	if err != nil {
		return "", fmt.Errorf("secret %q: %w", name, err)
	}
	defer func() { _ = root.Close() }()

	f, err := root.Open(filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("secret %q: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("secret %q: reading %s: %w", name, path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
