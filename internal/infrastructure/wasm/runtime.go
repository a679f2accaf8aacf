// Package wasm runs plugins in wazero sandboxes. Each plugin gets its own
// runtime so memory limits and host-function identity are per plugin.
package wasm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/reglet-dev/mcphost/internal/application/ports"
	"github.com/reglet-dev/mcphost/internal/domain/entities"
	"github.com/reglet-dev/mcphost/internal/infrastructure/redaction"
	"github.com/reglet-dev/mcphost/internal/infrastructure/wasm/hostfuncs"
)

const (
	// DefaultMemoryLimit applies when a declaration sets no memory_limit.
	DefaultMemoryLimit uint64 = 256 << 20
	// PageSize is the wasm linear memory page size.
	PageSize uint64 = 64 << 10
	// minRecommendedMemory is the limit below which typical plugins fail.
	minRecommendedMemory uint64 = 16 << 20
)

// globalCache speeds up compilation across runtimes.
var globalCache = wazero.NewCompilationCache()

// Factory compiles plugins into sandboxes.
type Factory struct {
	bridge        ports.HostBridge
	redactor      ports.Redactor
	output        io.Writer
	logger        *slog.Logger
	defaultMemory uint64
}

var _ ports.InstanceFactory = (*Factory)(nil)

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithRedactor scrubs plugin stdout and stderr.
func WithRedactor(r ports.Redactor) FactoryOption {
	return func(f *Factory) { f.redactor = r }
}

// WithOutput sets where plugin stdout and stderr go. Defaults to os.Stderr
// since stdout may carry the protocol stream.
func WithOutput(w io.Writer) FactoryOption {
	return func(f *Factory) { f.output = w }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) FactoryOption {
	return func(f *Factory) { f.logger = l }
}

// WithDefaultMemoryLimit overrides DefaultMemoryLimit.
func WithDefaultMemoryLimit(bytes uint64) FactoryOption {
	return func(f *Factory) {
		if bytes > 0 {
			f.defaultMemory = bytes
		}
	}
}

// NewFactory creates a factory whose plugins call back through bridge.
func NewFactory(bridge ports.HostBridge, opts ...FactoryOption) *Factory {
	f := &Factory{
		bridge:        bridge,
		output:        os.Stderr,
		logger:        slog.Default(),
		defaultMemory: DefaultMemoryLimit,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Compile creates a runtime for decl and compiles wasm into it.
func (f *Factory) Compile(ctx context.Context, decl *entities.PluginDeclaration, wasm []byte) (ports.CompiledPlugin, error) {
	name := decl.Name.String()
	limit := decl.Runtime.MemoryLimitBytes
	if limit == 0 {
		limit = f.defaultMemory
	}
	if limit < minRecommendedMemory {
		f.logger.Warn("WASM memory limit very low, plugin may fail", "plugin", name, "limit", humanize.IBytes(limit))
	}

	config := wazero.NewRuntimeConfig().
		WithCompilationCache(globalCache).
		WithMemoryLimitPages(memoryPages(limit)).
		WithCloseOnContextDone(true)
	r := wazero.NewRuntimeWithConfig(ctx, config)

	// Instantiate WASI for system calls (clock, random, etc.).
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	if err := hostfuncs.RegisterHostFunctions(ctx, r, decl.Name, f.bridge); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("failed to register host functions: %w", err)
	}

	module, err := r.CompileModule(ctx, wasm)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("failed to compile plugin %s: %w", name, err)
	}

	f.logger.Debug("plugin compiled", "plugin", name, "memory_limit", humanize.IBytes(limit))

	out := redaction.NewWriter(f.output, f.redactor)
	return &Plugin{
		name:    name,
		runtime: r,
		module:  module,
		env:     decl.Runtime.Environment,
		stdout:  out,
		stderr:  out,
	}, nil
}

// memoryPages converts a byte limit to wasm pages, rounding down but never
// below one page.
func memoryPages(limit uint64) uint32 {
	pages := limit / PageSize
	switch {
	case pages == 0:
		return 1
	case pages > math.MaxUint16+1:
		return math.MaxUint16 + 1
	}
	return uint32(pages) //nolint:gosec // G115: bounded above
}
