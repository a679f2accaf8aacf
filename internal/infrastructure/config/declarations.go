package config

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"

	apperrors "github.com/reglet-dev/mcphost/internal/application/errors"
	"github.com/reglet-dev/mcphost/internal/application/ports"
	"github.com/reglet-dev/mcphost/internal/domain/entities"
	"github.com/reglet-dev/mcphost/internal/domain/values"
	"github.com/reglet-dev/mcphost/internal/infrastructure/system"
)

// Secret pattern: {{ secret "key" }}
var secretPattern = regexp.MustCompile(`\{\{\s*secret\s+"([a-zA-Z0-9_.-]+)"\s*\}\}`)

var supportedSchemes = []values.Scheme{
	values.SchemeFile, values.SchemeHTTP, values.SchemeHTTPS, values.SchemeOCI, values.SchemeS3,
}

// BuildDeclarations converts the plugins map into declarations sorted by
// name. Every invalid entry is reported; secrets may be nil when no
// environment value references one.
func BuildDeclarations(sys *system.Config, secrets ports.SecretResolver) ([]*entities.PluginDeclaration, error) {
	names := make([]string, 0, len(sys.Plugins))
	for name := range sys.Plugins {
		names = append(names, name)
	}
	sort.Strings(names)

	decls := make([]*entities.PluginDeclaration, 0, len(names))
	var errs []error
	for _, name := range names {
		decl, err := buildDeclaration(name, sys.Plugins[name], secrets)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		decls = append(decls, decl)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return decls, nil
}

func buildDeclaration(name string, pc system.PluginConfig, secrets ports.SecretResolver) (*entities.PluginDeclaration, error) {
	aspect := "plugins." + name
	fail := func(field, msg string, cause error) error {
		return apperrors.NewConfigurationError(aspect+field, msg, cause)
	}

	pluginName, err := values.NewPluginName(name)
	if err != nil {
		return nil, fail("", "invalid plugin name", err)
	}

	raw := pc.Location
	switch {
	case raw == "":
		raw = pc.URL
	case pc.URL != "" && pc.URL != pc.Location:
		return nil, fail(".url", "url and location are aliases and disagree", nil)
	}
	if raw == "" {
		return nil, fail(".location", "location is required", nil)
	}
	location, err := values.ParseLocation(raw)
	if err != nil {
		return nil, fail(".location", "invalid location", err)
	}
	if !slices.Contains(supportedSchemes, location.Scheme()) {
		return nil, fail(".location", fmt.Sprintf("unsupported scheme %q", location.Scheme()), nil)
	}

	decl := &entities.PluginDeclaration{
		Name:     pluginName,
		Location: location,
		Signature: entities.SignaturePolicy{
			Mode:          entities.SignatureMode(pc.Signature.Mode),
			Identity:      pc.Signature.Identity,
			Issuer:        pc.Signature.Issuer,
			PublicKeyPath: pc.Signature.PublicKey,
		},
		Runtime: entities.RuntimeConfig{
			MemoryLimit:          pc.RuntimeConfig.MemoryLimit,
			AllowedOutboundHosts: slices.Clone(pc.RuntimeConfig.AllowedOutboundHosts),
			CrossPluginTools:     slices.Clone(pc.RuntimeConfig.CrossPluginTools),
			SkipVerification:     pc.RuntimeConfig.SkipVerification,
			MaxInstances:         pc.RuntimeConfig.MaxInstances,
		},
	}

	if pc.Digest != "" {
		if decl.Digest, err = values.ParseDigest(pc.Digest); err != nil {
			return nil, fail(".digest", "invalid digest", err)
		}
	}
	if decl.Runtime.MemoryLimitBytes, err = parseMemoryLimit(aspect+".runtime_config.memory_limit", pc.RuntimeConfig.MemoryLimit); err != nil {
		return nil, err
	}
	if decl.Runtime.CallTimeout, err = parseDuration(aspect+".runtime_config.call_timeout", pc.RuntimeConfig.CallTimeout); err != nil {
		return nil, err
	}
	if decl.Runtime.Environment, err = substituteEnvironment(pc.RuntimeConfig.Environment, secrets); err != nil {
		return nil, fail(".runtime_config.environment", "cannot resolve environment", err)
	}

	if err := decl.Validate(); err != nil {
		return nil, fail("", "invalid plugin declaration", err)
	}
	return decl, nil
}

// substituteEnvironment replaces {{ secret "key" }} references in
// environment values.
func substituteEnvironment(env map[string]string, secrets ports.SecretResolver) (map[string]string, error) {
	if len(env) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(env))
	for key, value := range env {
		var lastErr error
		out[key] = secretPattern.ReplaceAllStringFunc(value, func(match string) string {
			if secrets == nil {
				lastErr = fmt.Errorf("%s: secrets are not configured", key)
				return match
			}
			secretName := secretPattern.FindStringSubmatch(match)[1]
			resolved, err := secrets.Resolve(secretName)
			if err != nil {
				lastErr = fmt.Errorf("%s: %w", key, err)
				return match
			}
			return resolved
		})
		if lastErr != nil {
			return nil, lastErr
		}
	}
	return out, nil
}
