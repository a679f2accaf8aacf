package wasm

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/reglet-dev/mcphost/internal/application/ports"
)

// Plugin is a compiled module bound to its own runtime.
type Plugin struct {
	name    string
	runtime wazero.Runtime
	module  wazero.CompiledModule

	// Operator-granted environment; the host's own environment is never passed.
	env map[string]string

	// Redacted output streams
	stdout io.Writer
	stderr io.Writer
}

var _ ports.CompiledPlugin = (*Plugin)(nil)

// Name returns the plugin name.
func (p *Plugin) Name() string {
	return p.name
}

// createModuleConfig builds the per-instance module configuration. Plugins
// get clocks, randomness and their declared environment, and nothing of the
// host filesystem.
func (p *Plugin) createModuleConfig() wazero.ModuleConfig {
	config := wazero.NewModuleConfig().
		// Instances share one runtime, so each needs a distinct module name.
		WithName(p.name + "-" + uuid.NewString()).
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep().
		WithRandSource(rand.Reader).
		WithStdout(p.stdout).
		WithStderr(p.stderr)

	keys := make([]string, 0, len(p.env))
	for k := range p.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		config = config.WithEnv(k, p.env[k])
	}
	return config
}

// Instantiate creates a fresh instance with its own linear memory.
func (p *Plugin) Instantiate(ctx context.Context) (ports.Instance, error) {
	mod, err := p.runtime.InstantiateModule(ctx, p.module, p.createModuleConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate plugin %s: %w", p.name, err)
	}

	// Call _initialize for WASI modules built with -buildmode=c-shared
	// This must be called before any other exported functions
	if initFn := mod.ExportedFunction("_initialize"); initFn != nil {
		if _, err := initFn.Call(ctx); err != nil {
			_ = mod.Close(ctx) // Best-effort cleanup
			return nil, fmt.Errorf("failed to initialize plugin %s: %w", p.name, err)
		}
	}
	return &instance{plugin: p.name, mod: mod}, nil
}

// Close releases the runtime and every instance created from it.
func (p *Plugin) Close(ctx context.Context) error {
	return p.runtime.Close(ctx)
}

// instance is one live module. The pool guarantees one call at a time;
// mu guards against misuse.
type instance struct {
	plugin string
	mod    api.Module
	mu     sync.Mutex
}

var errNullResult = errors.New("returned null pointer or zero length")

// Call writes input into guest memory, invokes entry(ptr, len) and reads
// back the packed ptr+len result.
func (i *instance) Call(ctx context.Context, entry string, input []byte) ([]byte, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	fn := i.mod.ExportedFunction(entry)
	if fn == nil {
		return nil, false, nil
	}

	inputPtr, err := writeToMemory(ctx, i.mod, input)
	if err != nil {
		return nil, true, fmt.Errorf("failed to write %s input: %w", entry, err)
	}
	defer deallocate(ctx, i.mod, inputPtr, uint32(len(input))) //nolint:gosec // G115: bounded by guest memory

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(len(input)))
	if err != nil {
		return nil, true, fmt.Errorf("failed to call %s(): %w", entry, err)
	}
	if len(results) == 0 {
		return nil, true, fmt.Errorf("%s() returned no results", entry)
	}

	ptr := uint32(results[0] >> 32)         //nolint:gosec // G115: WASM32 pointers are always 32-bit
	size := uint32(results[0] & 0xFFFFFFFF) //nolint:gosec // G115: WASM32 lengths are always 32-bit
	if ptr == 0 || size == 0 {
		return nil, true, fmt.Errorf("%s() %w", entry, errNullResult)
	}

	out, err := readString(ctx, i.mod, ptr, size)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read %s() result: %w", entry, err)
	}
	return out, true, nil
}

// Close closes the module. The runtime is left to the Plugin.
func (i *instance) Close(ctx context.Context) error {
	return i.mod.Close(ctx)
}

// readString copies a byte slice out of guest memory and deallocates it.
func readString(ctx context.Context, mod api.Module, ptr, size uint32) ([]byte, error) {
	defer deallocate(ctx, mod, ptr, size)

	data, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return nil, fmt.Errorf("failed to read memory at offset %d", ptr)
	}
	result := make([]byte, size)
	copy(result, data)
	return result, nil
}

// writeToMemory allocates guest memory and copies data into it.
func writeToMemory(ctx context.Context, mod api.Module, data []byte) (uint32, error) {
	allocateFn := mod.ExportedFunction("allocate")
	if allocateFn == nil {
		return 0, fmt.Errorf("plugin does not export allocate() function")
	}
	results, err := allocateFn.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("failed to allocate memory: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("allocate() returned no results")
	}
	ptr := uint32(results[0]) //nolint:gosec // G115: WASM32 pointers are always 32-bit
	if ptr == 0 {
		return 0, fmt.Errorf("allocate() returned null pointer")
	}
	if !mod.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("failed to write to WASM memory at offset %d", ptr)
	}
	return ptr, nil
}

// deallocate is best-effort; a trap in the guest's deallocate must not
// mask the caller's result.
func deallocate(ctx context.Context, mod api.Module, ptr, size uint32) {
	defer func() {
		_ = recover()
	}()
	if fn := mod.ExportedFunction("deallocate"); fn != nil {
		//nolint:errcheck,gosec // G104: Deallocation is best-effort cleanup
		fn.Call(ctx, uint64(ptr), uint64(size))
	}
}
