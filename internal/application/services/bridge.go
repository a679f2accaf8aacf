package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/reglet-dev/mcphost/internal/application/dto"
	apperrors "github.com/reglet-dev/mcphost/internal/application/errors"
	"github.com/reglet-dev/mcphost/internal/application/ports"
	"github.com/reglet-dev/mcphost/internal/domain/entities"
	"github.com/reglet-dev/mcphost/internal/domain/execution"
	"github.com/reglet-dev/mcphost/internal/domain/protocol"
	"github.com/reglet-dev/mcphost/internal/domain/values"
)

// DefaultElicitTimeout bounds how long a plugin waits for user input.
const DefaultElicitTimeout = 5 * time.Minute

// ToolRouter is the part of the router the bridge re-enters.
type ToolRouter interface {
	CallTool(ctx context.Context, target string, arguments json.RawMessage) (*protocol.CallToolResult, dto.ErrorClass, error)
	Declaration(name values.PluginName) (*entities.PluginDeclaration, bool)
	InvalidateTools(name values.PluginName)
}

// Bridge implements the host functions plugins call back into.
// The router is bound after construction since the router's pool needs the
// bridge to build instances.
type Bridge struct {
	router     ToolRouter
	fetcher    ports.OutboundFetcher
	peer       ports.Peer
	redactor   ports.Redactor
	gatekeeper *CapabilityGatekeeper
	logger     *slog.Logger
}

var _ ports.HostBridge = (*Bridge)(nil)

// NewBridge creates a bridge. peer and redactor may be nil.
func NewBridge(fetcher ports.OutboundFetcher, peer ports.Peer, redactor ports.Redactor, gatekeeper *CapabilityGatekeeper, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if peer == nil {
		peer = noPeer{}
	}
	if gatekeeper == nil {
		gatekeeper = NewCapabilityGatekeeper(SecurityStandard, logger)
	}
	return &Bridge{
		fetcher:    fetcher,
		peer:       peer,
		redactor:   redactor,
		gatekeeper: gatekeeper,
		logger:     logger,
	}
}

// Bind attaches the router used for cross-plugin calls.
func (b *Bridge) Bind(router ToolRouter) {
	b.router = router
}

// SetPeer replaces the protocol peer once a transport is connected.
func (b *Bridge) SetPeer(peer ports.Peer) {
	if peer == nil {
		peer = noPeer{}
	}
	b.peer = peer
}

// CallTool lets caller invoke "plugin::tool" on another plugin. The target
// must expose the tool and must not already be on the call path.
func (b *Bridge) CallTool(ctx context.Context, caller values.PluginName, target string, arguments json.RawMessage) (*protocol.CallToolResult, error) {
	cc, _ := execution.FromContext(ctx)
	cc = cc.From(caller)
	log := b.logger.With("plugin", caller.String(), "correlation_id", cc.CorrelationID().String())

	if b.router == nil {
		return nil, apperrors.NewUnknownTargetError(target, "cross-plugin calls are not available")
	}
	q, err := values.ParseQualifiedName(target)
	if err != nil {
		return nil, apperrors.NewUnknownTargetError(target, err.Error())
	}
	decl, ok := b.router.Declaration(q.Plugin())
	if !ok {
		return nil, apperrors.NewUnknownTargetError(target, "no plugin named "+q.Plugin().String())
	}
	if err := b.gatekeeper.AuthorizeToolCall(caller, decl, q.Item(), cc); err != nil {
		log.Warn("cross-plugin call denied", "target", target, "call_path", cc.PathString(), "error", err)
		return nil, err
	}

	log.Info("cross-plugin call", "target", target, "call_path", cc.PathString())
	res, class, err := b.router.CallTool(execution.WithCallContext(ctx, cc), target, arguments)
	if err != nil && !(class == dto.ClassToolError && res != nil) {
		return nil, err
	}
	return res, nil
}

// Fetch performs an outbound HTTP request for caller.
func (b *Bridge) Fetch(ctx context.Context, caller values.PluginName, req *ports.OutboundRequest) (*ports.OutboundResponse, error) {
	cc, _ := execution.FromContext(ctx)
	log := b.logger.With("plugin", caller.String(), "correlation_id", cc.CorrelationID().String())

	if b.router == nil || b.fetcher == nil {
		return nil, apperrors.NewHostNotAllowedError(caller.String(), "")
	}
	decl, ok := b.router.Declaration(caller)
	if !ok {
		return nil, apperrors.NewUnknownTargetError(caller.String(), "caller is not loaded")
	}
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", req.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	authorize := func(host string) (bool, error) {
		allowPrivate, err := b.gatekeeper.AuthorizeFetch(decl, host)
		if err != nil {
			log.Warn("outbound request denied", "host", host, "error", err)
		}
		return allowPrivate, err
	}
	if _, err := authorize(u.Hostname()); err != nil {
		return nil, err
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = "GET"
	}
	req.Method = method
	log.Debug("outbound request", "method", method, "host", u.Hostname())
	resp, err := b.fetcher.Do(ctx, req, authorize)
	if err != nil {
		log.Debug("outbound request failed", "host", u.Hostname(), "error", err)
		return nil, err
	}
	return resp, nil
}

// Log records a plugin log line, scrubbed of secrets, and forwards it to the client.
func (b *Bridge) Log(ctx context.Context, caller values.PluginName, level protocol.LogLevel, logger, message string, data json.RawMessage) {
	cc, _ := execution.FromContext(ctx)
	message = b.redact(message)
	if len(data) > 0 {
		data = json.RawMessage(b.redact(string(data)))
		if !json.Valid(data) {
			data = nil
		}
	}

	attrs := []any{"plugin", caller.String(), "correlation_id", cc.CorrelationID().String()}
	if logger != "" {
		attrs = append(attrs, "logger", logger)
	}
	if len(data) > 0 {
		attrs = append(attrs, "data", string(data))
	}
	b.logger.Log(ctx, slogLevel(level), message, attrs...)

	payload, _ := json.Marshal(struct {
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data,omitempty"`
	}{Message: message, Data: data})
	name := caller.String()
	if logger != "" {
		name += "::" + logger
	}
	if err := b.peer.Log(ctx, protocol.LogNotification{Level: level, Logger: name, Data: payload}); err != nil {
		b.logger.Debug("failed to forward plugin log", "plugin", caller.String(), "error", err)
	}
}

// ReportProgress forwards a progress notification.
func (b *Bridge) ReportProgress(ctx context.Context, caller values.PluginName, n protocol.ProgressNotification) error {
	if len(n.ProgressToken) == 0 {
		return errors.New("progress token is required")
	}
	n.Message = b.redact(n.Message)
	b.logger.Debug("plugin progress", "plugin", caller.String(), "progress", n.Progress)
	return b.peer.Progress(ctx, n)
}

// RequestUserInput asks the client for structured input on caller's behalf.
func (b *Bridge) RequestUserInput(ctx context.Context, caller values.PluginName, message string, schema json.RawMessage, timeout time.Duration) (*protocol.ElicitResult, error) {
	if timeout <= 0 {
		timeout = DefaultElicitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b.logger.Info("plugin requested user input", "plugin", caller.String())
	res, err := b.peer.Elicit(ctx, message, schema)
	if err != nil && ctx.Err() != nil {
		return nil, apperrors.NewTimeoutError(caller.String(), "request_user_input", ctx.Err())
	}
	return res, err
}

// ListRoots returns the client's roots.
func (b *Bridge) ListRoots(ctx context.Context, caller values.PluginName) ([]protocol.Root, error) {
	b.logger.Debug("plugin listed roots", "plugin", caller.String())
	return b.peer.ListRoots(ctx)
}

// NotifyListChanged tells the client that caller's tools, resources, or prompts changed.
func (b *Bridge) NotifyListChanged(ctx context.Context, caller values.PluginName, kind protocol.ListKind) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown list kind %q", kind)
	}
	if kind == protocol.ListTools && b.router != nil {
		b.router.InvalidateTools(caller)
	}
	b.logger.Debug("plugin list changed", "plugin", caller.String(), "kind", string(kind))
	return b.peer.NotifyListChanged(ctx, kind)
}

func (b *Bridge) redact(s string) string {
	if b.redactor == nil {
		return s
	}
	return b.redactor.Redact(s)
}

func slogLevel(level protocol.LogLevel) slog.Level {
	switch level {
	case protocol.LevelDebug:
		return slog.LevelDebug
	case protocol.LevelInfo, protocol.LevelNotice:
		return slog.LevelInfo
	case protocol.LevelWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// noPeer serves plugins when no protocol client is connected.
type noPeer struct{}

var errNoClient = errors.New("no protocol client connected")

func (noPeer) Log(context.Context, protocol.LogNotification) error           { return nil }
func (noPeer) Progress(context.Context, protocol.ProgressNotification) error { return nil }
func (noPeer) Elicit(context.Context, string, json.RawMessage) (*protocol.ElicitResult, error) {
	return nil, errNoClient
}
func (noPeer) ListRoots(context.Context) ([]protocol.Root, error)         { return []protocol.Root{}, nil }
func (noPeer) NotifyListChanged(context.Context, protocol.ListKind) error { return nil }
