package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/mcphost/internal/application/ports"
	"github.com/reglet-dev/mcphost/internal/domain/entities"
	"github.com/reglet-dev/mcphost/internal/domain/protocol"
	"github.com/reglet-dev/mcphost/internal/domain/values"
	"github.com/reglet-dev/mcphost/wireformat"
)

// errTrap simulates a guest trap.
var errTrap = errors.New("wasm error: unreachable")

// fakeEnv is what a fake plugin sees of the host.
type fakeEnv struct {
	Bridge ports.HostBridge
	Caller values.PluginName
}

type fakeHandler func(ctx context.Context, env fakeEnv, params json.RawMessage) (any, error)

// fakePlugin scripts entry points in Go instead of wasm.
type fakePlugin struct {
	entries      map[string]fakeHandler
	instantiated atomic.Int32
	closed       atomic.Int32
	calls        atomic.Int32
}

func newFakePlugin() *fakePlugin {
	return &fakePlugin{entries: map[string]fakeHandler{}}
}

func (p *fakePlugin) on(entry string, h fakeHandler) *fakePlugin {
	p.entries[entry] = h
	return p
}

func (p *fakePlugin) withTools(tools ...protocol.Tool) *fakePlugin {
	return p.on(protocol.EntryListTools, func(context.Context, fakeEnv, json.RawMessage) (any, error) {
		return protocol.ListToolsResult{Tools: tools}, nil
	})
}

type fakeFactory struct {
	bridge   ports.HostBridge
	plugins  map[string]*fakePlugin
	compiles atomic.Int32
	closes   atomic.Int32
	failFor  string
}

func (f *fakeFactory) Compile(_ context.Context, decl *entities.PluginDeclaration, _ []byte) (ports.CompiledPlugin, error) {
	f.compiles.Add(1)
	if decl.Name.String() == f.failFor {
		return nil, errors.New("invalid magic number")
	}
	p, ok := f.plugins[decl.Name.String()]
	if !ok {
		p = newFakePlugin()
	}
	return &fakeCompiled{factory: f, plugin: p, name: decl.Name}, nil
}

type fakeCompiled struct {
	factory *fakeFactory
	plugin  *fakePlugin
	name    values.PluginName
}

func (c *fakeCompiled) Instantiate(context.Context) (ports.Instance, error) {
	c.plugin.instantiated.Add(1)
	return &fakeInstance{compiled: c}, nil
}

func (c *fakeCompiled) Close(context.Context) error {
	c.factory.closes.Add(1)
	return nil
}

type fakeInstance struct {
	compiled *fakeCompiled
	busy     atomic.Bool
	closed   atomic.Bool
}

func (i *fakeInstance) Call(ctx context.Context, entry string, input []byte) ([]byte, bool, error) {
	if !i.busy.CompareAndSwap(false, true) {
		return nil, true, errors.New("instance used concurrently")
	}
	defer i.busy.Store(false)
	if i.closed.Load() {
		return nil, true, errors.New("instance used after close")
	}

	p := i.compiled.plugin
	h, ok := p.entries[entry]
	if !ok {
		return nil, false, nil
	}
	p.calls.Add(1)

	var req wireformat.EntryRequestWire
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, true, err
	}
	res, err := h(ctx, fakeEnv{Bridge: i.compiled.factory.bridge, Caller: i.compiled.name}, req.Params)

	var detail *wireformat.ErrorDetail
	switch {
	case errors.As(err, &detail):
		out, err := json.Marshal(wireformat.EntryResponseWire{Error: detail})
		return out, true, err
	case err != nil:
		return nil, true, err
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, true, err
	}
	out, err := json.Marshal(wireformat.EntryResponseWire{Result: raw})
	return out, true, err
}

func (i *fakeInstance) Close(context.Context) error {
	if i.closed.CompareAndSwap(false, true) {
		i.compiled.plugin.closed.Add(1)
	}
	return nil
}

type fakeResolver struct {
	failures map[string]error
	resolved atomic.Int32
}

func (r *fakeResolver) Resolve(_ context.Context, decl *entities.PluginDeclaration) (*ports.ResolvedArtifact, error) {
	r.resolved.Add(1)
	if err := r.failures[decl.Name.String()]; err != nil {
		return nil, err
	}
	data := []byte("\x00asm" + decl.Name.String())
	return &ports.ResolvedArtifact{
		Artifact: entities.CachedArtifact{
			ContentHash:    values.ComputeDigest(data),
			FetchedAt:      time.Now(),
			SourceLocation: decl.Location,
		},
		Bytes: data,
	}, nil
}

func (r *fakeResolver) FetchRaw(context.Context, values.Location) ([]byte, error) {
	return nil, errors.New("not implemented")
}

type fakeVerifier struct {
	untrusted map[string]bool
}

func (v *fakeVerifier) Verify(_ context.Context, decl *entities.PluginDeclaration, a *ports.ResolvedArtifact) (*entities.VerificationResult, error) {
	if v.untrusted[decl.Name.String()] {
		return &entities.VerificationResult{ArtifactHash: a.Artifact.ContentHash, Reason: "signature does not match"}, nil
	}
	return &entities.VerificationResult{
		ArtifactHash: a.Artifact.ContentHash,
		Trusted:      true,
		Identity:     entities.Identity{Subject: "dev@example.com", Issuer: "https://accounts.example.com"},
	}, nil
}

type fakePeer struct {
	mu       sync.Mutex
	logs     []protocol.LogNotification
	progress []protocol.ProgressNotification
	changed  []protocol.ListKind
}

func (p *fakePeer) Log(_ context.Context, n protocol.LogNotification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logs = append(p.logs, n)
	return nil
}

func (p *fakePeer) Progress(_ context.Context, n protocol.ProgressNotification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress = append(p.progress, n)
	return nil
}

func (p *fakePeer) Elicit(ctx context.Context, _ string, _ json.RawMessage) (*protocol.ElicitResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (p *fakePeer) ListRoots(context.Context) ([]protocol.Root, error) {
	return []protocol.Root{{URI: "file:///workspace", Name: "workspace"}}, nil
}

func (p *fakePeer) NotifyListChanged(_ context.Context, kind protocol.ListKind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changed = append(p.changed, kind)
	return nil
}

type fakeFetcher struct {
	requests     []*ports.OutboundRequest
	allowPrivate []bool
}

func (f *fakeFetcher) Do(_ context.Context, req *ports.OutboundRequest, authorize ports.HostAuthorizer) (*ports.OutboundResponse, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}
	allowPrivate, err := authorize(u.Hostname())
	if err != nil {
		return nil, err
	}
	f.requests = append(f.requests, req)
	f.allowPrivate = append(f.allowPrivate, allowPrivate)
	return &ports.OutboundResponse{StatusCode: 200, Body: []byte("ok")}, nil
}

type replaceRedactor struct{ secret string }

func (r replaceRedactor) Redact(s string) string {
	if r.secret == "" {
		return s
	}
	return strings.ReplaceAll(s, r.secret, "[REDACTED]")
}

// requireNameValidator accepts documents that carry a "name" field.
type requireNameValidator struct{}

func (requireNameValidator) Validate(schema, doc []byte) error {
	var m map[string]any
	if err := json.Unmarshal(doc, &m); err != nil {
		return err
	}
	if _, ok := m["name"]; !ok {
		return fmt.Errorf("missing property %q", "name")
	}
	return nil
}

type harness struct {
	factory  *fakeFactory
	resolver *fakeResolver
	verifier *fakeVerifier
	pool     *InstancePool
	registry *Registry
	router   *Router
	bridge   *Bridge
	peer     *fakePeer
	fetcher  *fakeFetcher
}

type harnessOption func(*harness, *[]RouterOption, *PoolConfig)

func withPoolConfig(cfg PoolConfig) harnessOption {
	return func(_ *harness, _ *[]RouterOption, pc *PoolConfig) {
		*pc = cfg
	}
}

func withRouterOptions(opts ...RouterOption) harnessOption {
	return func(_ *harness, ro *[]RouterOption, _ *PoolConfig) {
		*ro = append(*ro, opts...)
	}
}

func newHarness(t *testing.T, plugins map[string]*fakePlugin, decls []*entities.PluginDeclaration, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		factory:  &fakeFactory{plugins: plugins},
		resolver: &fakeResolver{failures: map[string]error{}},
		verifier: &fakeVerifier{untrusted: map[string]bool{}},
		peer:     &fakePeer{},
		fetcher:  &fakeFetcher{},
	}
	var routerOpts []RouterOption
	var poolCfg PoolConfig
	for _, opt := range opts {
		opt(h, &routerOpts, &poolCfg)
	}

	h.bridge = NewBridge(h.fetcher, h.peer, nil, nil, nil)
	h.factory.bridge = h.bridge
	h.pool = NewInstancePool(h.factory, poolCfg, nil, nil)
	h.registry = NewRegistry(h.resolver, h.verifier, h.pool)
	h.router = NewRouter(h.registry, routerOpts...)
	h.bridge.Bind(h.router)

	report, err := h.registry.Load(context.Background(), decls)
	require.NoError(t, err)
	require.Empty(t, report.Failed)
	t.Cleanup(h.registry.Close)
	return h
}

func declare(name string, crossPluginTools ...string) *entities.PluginDeclaration {
	return &entities.PluginDeclaration{
		Name:     values.MustNewPluginName(name),
		Location: values.MustParseLocation("oci://ghcr.io/example/" + name + ":latest"),
		Runtime: entities.RuntimeConfig{
			CrossPluginTools: crossPluginTools,
		},
	}
}

func textResult(text string) protocol.CallToolResult {
	return protocol.CallToolResult{Content: []json.RawMessage{protocol.TextContent(text)}}
}

func toolSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`)
}
