// Package ports defines interfaces for infrastructure dependencies.
// These are the "ports" in hexagonal architecture - abstractions that
// the application layer depends on but doesn't implement.
package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/reglet-dev/mcphost/internal/domain/entities"
	"github.com/reglet-dev/mcphost/internal/domain/protocol"
	"github.com/reglet-dev/mcphost/internal/domain/values"
)

// SourceIdentity is what a source knows about a location before downloading it.
type SourceIdentity struct {
	// Key is the pre-computed cache identity (e.g. an OCI layer digest).
	// Empty means the location has no stable identity and always re-reads.
	Key string
	// Declared is the digest the source declares for the module bytes.
	Declared values.Digest
	// Remote is the source-side digest used to find registry signatures.
	Remote values.Digest
}

// ArtifactSource fetches module bytes for the schemes it serves.
type ArtifactSource interface {
	Schemes() []values.Scheme
	Identify(ctx context.Context, loc values.Location) (SourceIdentity, error)
	Fetch(ctx context.Context, loc values.Location, id SourceIdentity) ([]byte, error)
}

// FetchFunc downloads the bytes for a cache miss.
type FetchFunc func(ctx context.Context) ([]byte, error)

// ArtifactCache is the content-addressed local store for plugin bytes.
type ArtifactCache interface {
	// GetOrInsert returns the artifact for key, calling fetch at most once
	// per key across concurrent callers. A non-zero declared digest must
	// match the fetched bytes.
	GetOrInsert(ctx context.Context, key string, source values.Location, declared values.Digest, fetch FetchFunc) (*entities.CachedArtifact, []byte, error)

	// Lookup returns a cached artifact by content digest.
	Lookup(ctx context.Context, digest values.Digest) (*entities.CachedArtifact, []byte, bool, error)

	// List returns every stored artifact.
	List(ctx context.Context) ([]entities.CachedArtifact, error)

	// Prune removes artifacts fetched before now-olderThan and returns how many were removed.
	Prune(ctx context.Context, olderThan time.Duration) (int, error)
}

// ResolvedArtifact is verified-to-digest module bytes ready for verification.
type ResolvedArtifact struct {
	Artifact entities.CachedArtifact
	Bytes    []byte
}

// SourceResolver turns a location into module bytes via the cache.
type SourceResolver interface {
	Resolve(ctx context.Context, decl *entities.PluginDeclaration) (*ResolvedArtifact, error)

	// FetchRaw downloads auxiliary material (detached signatures) without caching.
	FetchRaw(ctx context.Context, loc values.Location) ([]byte, error)
}

// SignatureVerifier checks provenance of a resolved artifact.
type SignatureVerifier interface {
	// Verify returns a trusted result or a verification_error.
	Verify(ctx context.Context, decl *entities.PluginDeclaration, artifact *ResolvedArtifact) (*entities.VerificationResult, error)
}

// Instance is one sandboxed plugin context. It serves one call at a time.
type Instance interface {
	// Call invokes an entry point. found is false when the plugin does not export it.
	Call(ctx context.Context, entry string, input []byte) (output []byte, found bool, err error)
	Close(ctx context.Context) error
}

// CompiledPlugin is a compiled module from which instances are created.
type CompiledPlugin interface {
	Instantiate(ctx context.Context) (Instance, error)
	Close(ctx context.Context) error
}

// InstanceFactory compiles verified bytes under a declaration's sandbox settings.
type InstanceFactory interface {
	Compile(ctx context.Context, decl *entities.PluginDeclaration, wasm []byte) (CompiledPlugin, error)
}

// OutboundRequest is an HTTP request issued by a plugin.
type OutboundRequest struct {
	Method  string
	URL     string
	Headers map[string][]string
	Body    []byte
}

// OutboundResponse is the host's answer to an OutboundRequest.
type OutboundResponse struct {
	StatusCode int
	Headers    map[string][]string
	Body       []byte
	Truncated  bool
}

// HostAuthorizer decides whether a host may be contacted. allowPrivate
// permits addresses in private and loopback ranges.
type HostAuthorizer func(host string) (allowPrivate bool, err error)

// OutboundFetcher performs plugin HTTP requests through an SSRF-safe transport.
type OutboundFetcher interface {
	// Do executes req. authorize is consulted for the request host and for
	// every redirect target.
	Do(ctx context.Context, req *OutboundRequest, authorize HostAuthorizer) (*OutboundResponse, error)
}

// Peer is the protocol client, reachable from plugins through the bridge.
type Peer interface {
	Log(ctx context.Context, n protocol.LogNotification) error
	Progress(ctx context.Context, n protocol.ProgressNotification) error
	Elicit(ctx context.Context, message string, schema json.RawMessage) (*protocol.ElicitResult, error)
	ListRoots(ctx context.Context) ([]protocol.Root, error)
	NotifyListChanged(ctx context.Context, kind protocol.ListKind) error
}

// HostBridge serves host functions. caller is bound by the sandbox per
// plugin and cannot be chosen by guest code.
type HostBridge interface {
	CallTool(ctx context.Context, caller values.PluginName, target string, arguments json.RawMessage) (*protocol.CallToolResult, error)
	Fetch(ctx context.Context, caller values.PluginName, req *OutboundRequest) (*OutboundResponse, error)
	Log(ctx context.Context, caller values.PluginName, level protocol.LogLevel, logger, message string, data json.RawMessage)
	ReportProgress(ctx context.Context, caller values.PluginName, n protocol.ProgressNotification) error
	RequestUserInput(ctx context.Context, caller values.PluginName, message string, schema json.RawMessage, timeout time.Duration) (*protocol.ElicitResult, error)
	ListRoots(ctx context.Context, caller values.PluginName) ([]protocol.Root, error)
	NotifyListChanged(ctx context.Context, caller values.PluginName, kind protocol.ListKind) error
}

// Metrics records runtime measurements.
type Metrics interface {
	ObserveCall(plugin, operation, outcome string, d time.Duration)
	ObserveAcquire(plugin, outcome string, wait time.Duration)
	InstanceDiscarded(plugin, reason string)
	CacheLookup(hit bool)
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) ObserveCall(string, string, string, time.Duration) {}
func (NopMetrics) ObserveAcquire(string, string, time.Duration)      {}
func (NopMetrics) InstanceDiscarded(string, string)                  {}
func (NopMetrics) CacheLookup(bool)                                  {}

// SchemaValidator validates JSON documents against JSON Schemas.
type SchemaValidator interface {
	// Validate checks doc against schema. An empty schema accepts anything.
	Validate(schema, doc []byte) error
}
