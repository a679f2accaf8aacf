// Package system provides infrastructure for host-level configuration.
// This includes loading the host config file (~/.mcphost/config.yaml) with
// its plugin declarations.
package system

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"

	"github.com/reglet-dev/mcphost/internal/infrastructure/sources"
)

// Config represents the host configuration file (~/.mcphost/config.yaml).
type Config struct {
	CacheDir       string                  `yaml:"cache_dir"`
	CallTimeout    string                  `yaml:"call_timeout"`
	AcquireTimeout string                  `yaml:"acquire_timeout"`
	MaxInstances   int                     `yaml:"max_instances"`
	MemoryLimit    string                  `yaml:"memory_limit"`
	Security       SecurityConfig          `yaml:"security"`
	Redaction      RedactionConfig         `yaml:"redaction"`
	SensitiveData  SensitiveDataConfig     `yaml:"sensitive_data"`
	Registries     RegistriesConfig        `yaml:"registries"`
	S3             sources.S3Config        `yaml:"s3"`
	Plugins        map[string]PluginConfig `yaml:"plugins"`
}

// PluginConfig is one entry of the plugins map.
type PluginConfig struct {
	// URL is accepted as an alias of Location.
	URL           string              `yaml:"url"`
	Location      string              `yaml:"location"`
	Digest        string              `yaml:"digest"`
	Signature     SignatureConfig     `yaml:"signature"`
	RuntimeConfig PluginRuntimeConfig `yaml:"runtime_config"`
}

// SignatureConfig is a plugin's trust policy.
type SignatureConfig struct {
	Mode      string `yaml:"mode"` // "keyless" or "key"
	Identity  string `yaml:"identity"`
	Issuer    string `yaml:"issuer"`
	PublicKey string `yaml:"public_key"`
}

// PluginRuntimeConfig holds the sandbox grants for one plugin.
type PluginRuntimeConfig struct {
	MemoryLimit          string            `yaml:"memory_limit"`
	AllowedOutboundHosts []string          `yaml:"allowed_outbound_hosts"`
	Environment          map[string]string `yaml:"environment"`
	CrossPluginTools     []string          `yaml:"cross_plugin_tools"`
	SkipVerification     bool              `yaml:"skip_verification"`
	MaxInstances         int               `yaml:"max_instances"`
	CallTimeout          string            `yaml:"call_timeout"`
}

// SensitiveDataConfig configures secret resolution.
type SensitiveDataConfig struct {
	Secrets SecretsConfig `yaml:"secrets"`
}

// SecretsConfig configures secret resolution sources.
type SecretsConfig struct {
	// Local defines static secrets for development (name -> value)
	Local map[string]string `yaml:"local"`

	// Env defines environment variable mappings (secret_name -> env_var_name)
	Env map[string]string `yaml:"env"`

	// Files defines file path mappings (secret_name -> file_path)
	Files map[string]string `yaml:"files"`
}

// RedactionConfig configures how plugin output is sanitized.
type RedactionConfig struct {
	HashMode        HashModeConfig `yaml:"hash_mode"`
	Patterns        []string       `yaml:"patterns"`
	DisableGitleaks bool           `yaml:"disable_gitleaks"`
}

// HashModeConfig controls hash-based redaction.
type HashModeConfig struct {
	Salt    string `yaml:"salt"`
	Enabled bool   `yaml:"enabled"`
}

// RegistriesConfig configures OCI registry access.
type RegistriesConfig struct {
	// Insecure lists registries reached over plain HTTP.
	Insecure []string `yaml:"insecure"`

	// Credentials maps a registry host to its login. Passwords are secret names.
	Credentials map[string]RegistryCredential `yaml:"credentials"`
}

// RegistryCredential is a registry login whose password comes from the
// secrets configuration.
type RegistryCredential struct {
	Username       string `yaml:"username"`
	PasswordSecret string `yaml:"password_secret"`
}

// SecurityConfig configures the review of capability grants.
type SecurityConfig struct {
	// Level defines the security policy: "strict", "standard", or "permissive"
	// - strict: Refuse plugins with broad grants
	// - standard: Warn about broad grants (default)
	// - permissive: Allow all grants without warnings
	Level string `yaml:"level"`
}

// SecurityLevel represents the security enforcement level.
type SecurityLevel string

const (
	SecurityLevelStrict     SecurityLevel = "strict"
	SecurityLevelStandard   SecurityLevel = "standard"
	SecurityLevelPermissive SecurityLevel = "permissive"
)

// GetSecurityLevel returns the configured security level, defaulting to Standard.
func (c *SecurityConfig) GetSecurityLevel() SecurityLevel {
	switch SecurityLevel(c.Level) {
	case SecurityLevelStrict, SecurityLevelPermissive:
		return SecurityLevel(c.Level)
	default:
		return SecurityLevelStandard
	}
}

// Defaults applied when the config leaves a setting empty.
const (
	DefaultCallTimeout  = "30s"
	DefaultMaxInstances = 4
	DefaultMemoryLimit  = "256MiB"
)

// HomeDir is the per-user host directory.
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".mcphost")
	}
	return filepath.Join(home, ".mcphost")
}

// DefaultPath is where the host config lives unless --config says otherwise.
func DefaultPath() string {
	return filepath.Join(HomeDir(), "config.yaml")
}

// DefaultConfig returns a Config with safe defaults for all fields.
// This is used when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		CacheDir:     filepath.Join(HomeDir(), "cache"),
		CallTimeout:  DefaultCallTimeout,
		MaxInstances: DefaultMaxInstances,
		MemoryLimit:  DefaultMemoryLimit,
		Security:     SecurityConfig{Level: string(SecurityLevelStandard)},
		Plugins:      map[string]PluginConfig{},
	}
}

// ConfigLoader loads host configuration from disk.
type ConfigLoader struct{}

// NewConfigLoader creates a new config loader.
func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

// Load loads the configuration from path on top of DefaultConfig().
// A missing file yields the defaults. JSON files load too since JSON is YAML.
func (l *ConfigLoader) Load(path string) (*Config, error) {
	//nolint:gosec // G304: path is the operator's config file
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return l.Parse(data)
}

// Parse decodes config bytes on top of DefaultConfig(). Unknown keys are errors.
func (l *ConfigLoader) Parse(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.UnmarshalWithOptions(data, config, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if config.Plugins == nil {
		config.Plugins = map[string]PluginConfig{}
	}
	return config, nil
}
