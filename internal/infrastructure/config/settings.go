// Package config turns the host config file into validated settings and
// plugin declarations.
package config

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	apperrors "github.com/reglet-dev/mcphost/internal/application/errors"
	"github.com/reglet-dev/mcphost/internal/infrastructure/system"
)

// Settings aggregates the parsed host-wide settings.
// This is a value object that flows through the system.
type Settings struct {
	CacheDir string

	// Calls
	CallTimeout    time.Duration
	AcquireTimeout time.Duration
	MaxInstances   int

	// Sandbox
	MemoryLimitBytes uint64

	// Security
	SecurityLevel string
}

// FromSystemConfig parses sys into Settings. Zero values mean the host default.
func FromSystemConfig(sys *system.Config) (*Settings, error) {
	s := &Settings{
		CacheDir:      sys.CacheDir,
		MaxInstances:  sys.MaxInstances,
		SecurityLevel: string(sys.Security.GetSecurityLevel()),
	}
	if s.CacheDir == "" {
		return nil, apperrors.NewConfigurationError("cache_dir", "cache directory is required", nil)
	}
	if s.MaxInstances < 0 {
		return nil, apperrors.NewConfigurationError("max_instances", "must be >= 0", nil)
	}

	var err error
	if s.CallTimeout, err = parseDuration("call_timeout", sys.CallTimeout); err != nil {
		return nil, err
	}
	if s.AcquireTimeout, err = parseDuration("acquire_timeout", sys.AcquireTimeout); err != nil {
		return nil, err
	}
	if s.MemoryLimitBytes, err = parseMemoryLimit("memory_limit", sys.MemoryLimit); err != nil {
		return nil, err
	}
	return s, nil
}

func parseDuration(aspect, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, apperrors.NewConfigurationError(aspect, fmt.Sprintf("invalid duration %q", s), err)
	}
	if d < 0 {
		return 0, apperrors.NewConfigurationError(aspect, "must not be negative", nil)
	}
	return d, nil
}

// parseMemoryLimit accepts "64MiB", "512MB" or a bare byte count.
func parseMemoryLimit(aspect, s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, apperrors.NewConfigurationError(aspect, fmt.Sprintf("invalid size %q", s), err)
	}
	if n == 0 {
		return 0, apperrors.NewConfigurationError(aspect, "must be greater than zero", nil)
	}
	return n, nil
}
