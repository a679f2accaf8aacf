package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	apperrors "github.com/reglet-dev/mcphost/internal/application/errors"
	"github.com/reglet-dev/mcphost/internal/application/ports"
	"github.com/reglet-dev/mcphost/internal/domain/entities"
)

const (
	// DefaultMaxInstances bounds concurrent instances per plugin.
	DefaultMaxInstances = 4
	// DefaultAcquireTimeout bounds how long a caller queues for an instance.
	DefaultAcquireTimeout = 10 * time.Second
)

// PoolConfig configures the instance pool.
type PoolConfig struct {
	MaxInstances   int
	AcquireTimeout time.Duration
}

// InstancePool owns one bounded pool of sandboxed instances per plugin.
type InstancePool struct {
	factory ports.InstanceFactory
	metrics ports.Metrics
	logger  *slog.Logger
	pools   map[string]*pluginPool
	cfg     PoolConfig
	mu      sync.RWMutex
}

// NewInstancePool creates an instance pool.
func NewInstancePool(factory ports.InstanceFactory, cfg PoolConfig, metrics ports.Metrics, logger *slog.Logger) *InstancePool {
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = DefaultMaxInstances
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InstancePool{
		factory: factory,
		metrics: metrics,
		logger:  logger,
		pools:   make(map[string]*pluginPool),
		cfg:     cfg,
	}
}

// pluginPool is the pool of one plugin.
// Mutable fields are guarded by mu; compilation is serialized by compileMu.
type pluginPool struct {
	compiled   ports.CompiledPlugin
	compileErr error
	decl       *entities.PluginDeclaration
	sem        *semaphore.Weighted
	wasm       []byte
	idle       []ports.Instance
	generation uint64
	inflight   int
	max        int
	mu         sync.Mutex
	compileMu  sync.Mutex
	retired    bool
}

// Handle is a checked-out instance. It must be released exactly once.
type Handle struct {
	Instance   ports.Instance
	pool       *pluginPool
	plugin     string
	generation uint64
	released   atomic.Bool
}

// Plugin returns the name of the plugin the handle belongs to.
func (h *Handle) Plugin() string {
	return h.plugin
}

// Register installs verified bytes for a plugin. An existing pool for the
// same name is retired: its idle instances close now, in-flight ones on release.
func (p *InstancePool) Register(decl *entities.PluginDeclaration, wasm []byte) {
	maxInstances := decl.Runtime.MaxInstances
	if maxInstances <= 0 {
		maxInstances = p.cfg.MaxInstances
	}
	pp := &pluginPool{
		decl: decl,
		wasm: wasm,
		sem:  semaphore.NewWeighted(int64(maxInstances)),
		max:  maxInstances,
	}

	name := decl.Name.String()
	p.mu.Lock()
	old := p.pools[name]
	p.pools[name] = pp
	p.mu.Unlock()

	if old != nil {
		p.retire(old)
	}
}

// Remove retires the pool of a plugin.
func (p *InstancePool) Remove(name string) {
	p.mu.Lock()
	old := p.pools[name]
	delete(p.pools, name)
	p.mu.Unlock()

	if old != nil {
		p.retire(old)
	}
}

// Has reports whether a pool exists for name.
func (p *InstancePool) Has(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.pools[name]
	return ok
}

// Acquire checks out an instance of plugin, creating one if the pool is
// below its bound. Otherwise the caller queues until an instance is released,
// the acquire timeout elapses (pool_exhausted), or ctx expires (timeout).
func (p *InstancePool) Acquire(ctx context.Context, plugin string) (*Handle, error) {
	p.mu.RLock()
	pp := p.pools[plugin]
	p.mu.RUnlock()
	if pp == nil {
		return nil, apperrors.NewUnknownTargetError(plugin, "plugin is not loaded")
	}

	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	err := pp.sem.Acquire(waitCtx, 1)
	cancel()
	waited := time.Since(start)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			p.metrics.ObserveAcquire(plugin, "timeout", waited)
			return nil, apperrors.NewTimeoutError(plugin, "instance acquisition", ctxErr)
		}
		p.metrics.ObserveAcquire(plugin, "exhausted", waited)
		return nil, apperrors.NewPoolExhaustedError(plugin, waited.Round(time.Millisecond))
	}

	inst, gen, err := p.take(ctx, pp)
	if err != nil {
		pp.sem.Release(1)
		p.metrics.ObserveAcquire(plugin, "error", waited)
		return nil, err
	}

	p.metrics.ObserveAcquire(plugin, "ok", waited)
	return &Handle{
		Instance:   inst,
		pool:       pp,
		plugin:     plugin,
		generation: gen,
	}, nil
}

// take pops an idle instance or instantiates a new one.
func (p *InstancePool) take(ctx context.Context, pp *pluginPool) (ports.Instance, uint64, error) {
	name := pp.decl.Name.String()

	pp.mu.Lock()
	if pp.retired {
		pp.mu.Unlock()
		return nil, 0, apperrors.NewPluginFaultError(name, "acquire", errors.New("plugin was unloaded"))
	}
	gen := pp.generation
	pp.inflight++
	if n := len(pp.idle); n > 0 {
		inst := pp.idle[n-1]
		pp.idle = pp.idle[:n-1]
		pp.mu.Unlock()
		return inst, gen, nil
	}
	pp.mu.Unlock()

	compiled, err := pp.compiledPlugin(ctx, p.factory)
	if err == nil {
		var inst ports.Instance
		inst, err = compiled.Instantiate(ctx)
		if err == nil {
			p.logger.Debug("instance created", "plugin", name, "generation", gen)
			return inst, gen, nil
		}
	}

	p.finish(pp)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, 0, apperrors.NewTimeoutError(name, "instantiation", ctxErr)
	}
	return nil, 0, apperrors.NewPluginFaultError(name, "instantiation", err)
}

// compiledPlugin compiles the module on first use. Compile errors are sticky.
func (pp *pluginPool) compiledPlugin(ctx context.Context, factory ports.InstanceFactory) (ports.CompiledPlugin, error) {
	pp.compileMu.Lock()
	defer pp.compileMu.Unlock()

	if pp.compiled != nil || pp.compileErr != nil {
		return pp.compiled, pp.compileErr
	}
	compiled, err := factory.Compile(ctx, pp.decl, pp.wasm)
	if err != nil {
		if ctx.Err() != nil {
			// Interrupted compilation can be retried by the next caller.
			return nil, err
		}
		pp.compileErr = fmt.Errorf("compile: %w", err)
		return nil, pp.compileErr
	}
	pp.compiled = compiled
	return compiled, nil
}

// Release returns an instance. Faulted instances and instances from an
// older generation are closed instead of reused.
func (p *InstancePool) Release(h *Handle, faulted bool) {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	pp := h.pool

	pp.mu.Lock()
	keep := !faulted && !pp.retired && h.generation == pp.generation
	if keep {
		pp.idle = append(pp.idle, h.Instance)
	}
	pp.mu.Unlock()

	if !keep {
		reason := "stale"
		if faulted {
			reason = "faulted"
		}
		p.discard(h.plugin, h.Instance, reason)
	}
	p.finish(pp)
	pp.sem.Release(1)
}

// InvalidateAll discards every idle instance of plugin and marks in-flight
// ones for discard on release.
func (p *InstancePool) InvalidateAll(plugin string) {
	p.mu.RLock()
	pp := p.pools[plugin]
	p.mu.RUnlock()
	if pp == nil {
		return
	}

	pp.mu.Lock()
	pp.generation++
	idle := pp.idle
	pp.idle = nil
	pp.mu.Unlock()

	for _, inst := range idle {
		p.discard(plugin, inst, "invalidated")
	}
}

// Close retires every pool.
func (p *InstancePool) Close() {
	p.mu.Lock()
	pools := p.pools
	p.pools = make(map[string]*pluginPool)
	p.mu.Unlock()

	for _, pp := range pools {
		p.retire(pp)
	}
}

func (p *InstancePool) retire(pp *pluginPool) {
	pp.mu.Lock()
	pp.retired = true
	idle := pp.idle
	pp.idle = nil
	pp.mu.Unlock()

	name := pp.decl.Name.String()
	for _, inst := range idle {
		p.discard(name, inst, "retired")
	}
	p.closeIfDrained(pp)
}

// finish ends a checkout started in take.
func (p *InstancePool) finish(pp *pluginPool) {
	pp.mu.Lock()
	pp.inflight--
	pp.mu.Unlock()
	p.closeIfDrained(pp)
}

// closeIfDrained closes the compiled module of a retired pool once nothing is in flight.
func (p *InstancePool) closeIfDrained(pp *pluginPool) {
	pp.mu.Lock()
	closeNow := pp.retired && pp.inflight == 0
	pp.mu.Unlock()
	if !closeNow {
		return
	}

	pp.compileMu.Lock()
	compiled := pp.compiled
	pp.compiled = nil
	pp.compileMu.Unlock()
	if compiled != nil {
		if err := compiled.Close(context.Background()); err != nil {
			p.logger.Warn("failed to close compiled plugin", "plugin", pp.decl.Name.String(), "error", err)
		}
	}
}

func (p *InstancePool) discard(plugin string, inst ports.Instance, reason string) {
	p.metrics.InstanceDiscarded(plugin, reason)
	if err := inst.Close(context.Background()); err != nil {
		p.logger.Debug("failed to close instance", "plugin", plugin, "reason", reason, "error", err)
	}
}
