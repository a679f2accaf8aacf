// Package redaction scrubs secrets from plugin output before it reaches
// logs or the protocol client.
package redaction

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/viper"
	"github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"

	"github.com/reglet-dev/mcphost/internal/application/ports"
)

const placeholder = "[REDACTED]"

// Redactor implements ports.Redactor. Configuration is read-only after
// construction; tracked values are read on every call so secrets
// registered by later plugin loads are covered too.
type Redactor struct {
	patterns         []*regexp.Regexp
	hashMode         bool
	salt             string
	gitleaksDetector *detect.Detector
	tracked          ports.SensitiveValueProvider
}

var _ ports.Redactor = (*Redactor)(nil)

// Config holds the configuration for the Redactor.
type Config struct {
	// Custom patterns to redact (e.g. "INT-[A-Z0-9]{16}")
	Patterns []string
	// If true, replace with an HMAC instead of [REDACTED]
	HashMode bool
	Salt     string
	// If true, only custom and built-in patterns are used
	DisableGitleaks bool
}

// Option configures a Redactor.
type Option func(*Redactor)

// WithSensitiveValues scrubs every value the provider tracks, such as
// environment values configured for plugins.
func WithSensitiveValues(p ports.SensitiveValueProvider) Option {
	return func(r *Redactor) {
		r.tracked = p
	}
}

// New creates a Redactor. A gitleaks detector that fails to load leaves
// the regex patterns in place.
func New(cfg Config, opts ...Option) (*Redactor, error) {
	r := &Redactor{
		hashMode: cfg.HashMode,
		salt:     cfg.Salt,
		patterns: make([]*regexp.Regexp, 0, len(cfg.Patterns)+len(defaultPatterns)),
	}

	if !cfg.DisableGitleaks {
		if detector, err := newGitleaksDetector(); err == nil {
			r.gitleaksDetector = detector
		}
	}

	for _, p := range defaultPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile default pattern %s: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile custom pattern %s: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}

	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// newGitleaksDetector loads the gitleaks default rule set.
func newGitleaksDetector() (*detect.Detector, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(strings.NewReader(config.DefaultConfig)); err != nil {
		return nil, fmt.Errorf("failed to read gitleaks config: %w", err)
	}

	var vc config.ViperConfig
	if err := v.Unmarshal(&vc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal gitleaks config: %w", err)
	}

	cfg, err := vc.Translate()
	if err != nil {
		return nil, fmt.Errorf("failed to translate gitleaks config: %w", err)
	}
	return detect.NewDetector(cfg), nil
}

// Redact replaces secrets in input: tracked values first, then gitleaks
// findings, then regex patterns.
func (r *Redactor) Redact(input string) string {
	if input == "" {
		return ""
	}
	result := input

	if r.tracked != nil {
		values := r.tracked.AllValues()
		// Longest first so a value containing another is replaced whole.
		sort.Slice(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })
		for _, v := range values {
			if v != "" && strings.Contains(result, v) {
				result = strings.ReplaceAll(result, v, r.replacement(v))
			}
		}
	}

	if r.gitleaksDetector != nil {
		for _, finding := range r.gitleaksDetector.Detect(detect.Fragment{Raw: result}) {
			if finding.Secret == "" {
				continue
			}
			result = strings.ReplaceAll(result, finding.Secret, r.replacement(finding.Secret))
		}
	}

	for _, re := range r.patterns {
		result = re.ReplaceAllStringFunc(result, r.replacement)
	}
	return result
}

func (r *Redactor) replacement(secret string) string {
	if r.hashMode {
		return r.hash(secret)
	}
	return placeholder
}

// hash returns a truncated HMAC-SHA256 of the secret keyed by the salt,
// so equal secrets correlate across log lines without being revealed.
func (r *Redactor) hash(secret string) string {
	mac := hmac.New(sha256.New, []byte(r.salt))
	mac.Write([]byte(secret))
	return fmt.Sprintf("[hmac:%s]", hex.EncodeToString(mac.Sum(nil))[:16])
}

// defaultPatterns catch common credentials when gitleaks is disabled.
var defaultPatterns = []string{
	// AWS Access Key ID
	`\b((?:AKIA|ABIA|ACCA|ASIA)[0-9A-Z]{16})\b`,
	// Private key header
	`-----BEGIN [A-Z ]+ PRIVATE KEY-----`,
	// GitHub token
	`gh[pousr]_[A-Za-z0-9_]{36,255}`,
	// Slack token
	`xox[baprs]-([0-9a-zA-Z]{10,48})?`,
}
