package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/reglet-dev/mcphost/internal/application/dto"
	apperrors "github.com/reglet-dev/mcphost/internal/application/errors"
	"github.com/reglet-dev/mcphost/internal/application/ports"
	"github.com/reglet-dev/mcphost/internal/domain/entities"
	"github.com/reglet-dev/mcphost/internal/domain/execution"
	"github.com/reglet-dev/mcphost/internal/domain/protocol"
	"github.com/reglet-dev/mcphost/internal/domain/values"
	"github.com/reglet-dev/mcphost/wireformat"
)

// DefaultCallTimeout bounds a plugin call when neither the caller nor the
// declaration sets a deadline.
const DefaultCallTimeout = 30 * time.Second

// pluginReportedError is a failure a plugin returned without trapping.
type pluginReportedError struct {
	detail *wireformat.ErrorDetail
	plugin string
	entry  string
}

func (e *pluginReportedError) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.plugin, e.entry, e.detail.Error())
}

// Router dispatches namespaced protocol requests to plugin instances.
type Router struct {
	registry    *Registry
	validator   ports.SchemaValidator
	metrics     ports.Metrics
	logger      *slog.Logger
	callTimeout time.Duration
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithSchemaValidator enables tool argument validation.
func WithSchemaValidator(v ports.SchemaValidator) RouterOption {
	return func(r *Router) {
		r.validator = v
	}
}

// WithRouterMetrics sets the metrics sink.
func WithRouterMetrics(m ports.Metrics) RouterOption {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithRouterLogger sets the logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = l
	}
}

// WithCallTimeout sets the default per-call timeout.
func WithCallTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.callTimeout = d
		}
	}
}

// NewRouter creates a router over registry.
func NewRouter(registry *Registry, opts ...RouterOption) *Router {
	r := &Router{
		registry:    registry,
		metrics:     ports.NopMetrics{},
		logger:      slog.Default(),
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Declaration returns the declaration of a loaded plugin.
func (r *Router) Declaration(name values.PluginName) (*entities.PluginDeclaration, bool) {
	return r.registry.Declaration(name)
}

// Handle dispatches a uniform request. On failure the response is still
// populated (IsError, Class) alongside the typed error.
func (r *Router) Handle(ctx context.Context, req *dto.Request) (*dto.Response, error) {
	cc, ok := execution.FromContext(ctx)
	if !ok {
		ctx = execution.WithCallContext(ctx, cc)
	}
	start := time.Now()
	log := r.logger.With("operation", string(req.Operation), "correlation_id", cc.CorrelationID().String())
	if req.Metadata.RequestID != "" {
		log = log.With("request_id", req.Metadata.RequestID)
	}
	log.Debug("request received", "target", req.Target)

	resp := &dto.Response{Metadata: dto.ResponseMetadata{CorrelationID: cc.CorrelationID().String()}}
	var (
		result any
		err    error
	)
	switch req.Operation {
	case dto.OpListTools:
		result, resp.Metadata.Warnings = r.ListTools(ctx)
	case dto.OpListResources:
		result, resp.Metadata.Warnings = r.ListResources(ctx)
	case dto.OpListResourceTemplates:
		result, resp.Metadata.Warnings = r.ListResourceTemplates(ctx)
	case dto.OpListPrompts:
		result, resp.Metadata.Warnings = r.ListPrompts(ctx)
	case dto.OpCallTool:
		var res *protocol.CallToolResult
		res, resp.Class, err = r.CallTool(ctx, req.Target, req.Arguments)
		if res == nil && err != nil {
			res = &protocol.CallToolResult{Content: []json.RawMessage{protocol.TextContent(err.Error())}, IsError: true}
		}
		if res != nil {
			resp.Content = res.Content
			resp.IsError = res.IsError || err != nil
		}
		result = res
	case dto.OpReadResource:
		result, err = r.ReadResource(ctx, req.Target)
	case dto.OpGetPrompt:
		var args map[string]string
		if len(req.Arguments) > 0 {
			if uerr := json.Unmarshal(req.Arguments, &args); uerr != nil {
				err = apperrors.NewInvalidArgumentsError("", req.Target, uerr)
				break
			}
		}
		result, err = r.GetPrompt(ctx, req.Target, args)
	case dto.OpComplete:
		var params protocol.CompleteParams
		if uerr := json.Unmarshal(req.Arguments, &params); uerr != nil {
			err = apperrors.NewInvalidArgumentsError("", "completion", uerr)
			break
		}
		result, err = r.Complete(ctx, params)
	case dto.OpRootsListChanged:
		resp.Metadata.Warnings = r.NotifyRootsChanged(ctx)
	default:
		err = apperrors.NewUnknownTargetError(string(req.Operation), "unsupported operation")
	}

	resp.Metadata.Duration = time.Since(start)
	if err != nil {
		resp.IsError = true
		if resp.Class == dto.ClassNone {
			resp.Class = classify(err)
		}
	}
	if result != nil {
		raw, merr := json.Marshal(result)
		if merr != nil && err == nil {
			err = merr
		}
		resp.Result = raw
	}

	if err != nil {
		log.Debug("request failed", "target", req.Target, "class", string(resp.Class), "error", err, "duration", resp.Metadata.Duration)
		return resp, err
	}
	log.Debug("request completed", "target", req.Target, "duration", resp.Metadata.Duration)
	return resp, nil
}

// ListTools lists every plugin's tools, namespaced. Failing plugins are
// omitted and reported as warnings.
func (r *Router) ListTools(ctx context.Context) (*protocol.ListToolsResult, []string) {
	tools, warnings := fanOut(ctx, r, protocol.EntryListTools, func(lp *LoadedPlugin, raw json.RawMessage, found bool) ([]protocol.Tool, error) {
		var res protocol.ListToolsResult
		if found {
			if err := decodeResult(raw, &res); err != nil {
				return nil, err
			}
		}
		lp.storeTools(res.Tools)
		out := make([]protocol.Tool, len(res.Tools))
		for i, t := range res.Tools {
			t.Name = values.Qualify(lp.Decl.Name, t.Name).String()
			out[i] = t
		}
		return out, nil
	})
	return &protocol.ListToolsResult{Tools: tools}, warnings
}

// ListResources lists every plugin's resources with namespaced URIs and names.
func (r *Router) ListResources(ctx context.Context) (*protocol.ListResourcesResult, []string) {
	resources, warnings := fanOut(ctx, r, protocol.EntryListResources, func(lp *LoadedPlugin, raw json.RawMessage, found bool) ([]protocol.Resource, error) {
		var res protocol.ListResourcesResult
		if found {
			if err := decodeResult(raw, &res); err != nil {
				return nil, err
			}
		}
		for i := range res.Resources {
			res.Resources[i].URI = values.Qualify(lp.Decl.Name, res.Resources[i].URI).String()
			res.Resources[i].Name = values.Qualify(lp.Decl.Name, res.Resources[i].Name).String()
		}
		return res.Resources, nil
	})
	return &protocol.ListResourcesResult{Resources: resources}, warnings
}

// ListResourceTemplates lists every plugin's resource templates, namespaced.
func (r *Router) ListResourceTemplates(ctx context.Context) (*protocol.ListResourceTemplatesResult, []string) {
	templates, warnings := fanOut(ctx, r, protocol.EntryListResourceTemplates, func(lp *LoadedPlugin, raw json.RawMessage, found bool) ([]protocol.ResourceTemplate, error) {
		var res protocol.ListResourceTemplatesResult
		if found {
			if err := decodeResult(raw, &res); err != nil {
				return nil, err
			}
		}
		for i := range res.ResourceTemplates {
			res.ResourceTemplates[i].URITemplate = values.Qualify(lp.Decl.Name, res.ResourceTemplates[i].URITemplate).String()
			res.ResourceTemplates[i].Name = values.Qualify(lp.Decl.Name, res.ResourceTemplates[i].Name).String()
		}
		return res.ResourceTemplates, nil
	})
	return &protocol.ListResourceTemplatesResult{ResourceTemplates: templates}, warnings
}

// ListPrompts lists every plugin's prompts, namespaced.
func (r *Router) ListPrompts(ctx context.Context) (*protocol.ListPromptsResult, []string) {
	prompts, warnings := fanOut(ctx, r, protocol.EntryListPrompts, func(lp *LoadedPlugin, raw json.RawMessage, found bool) ([]protocol.Prompt, error) {
		var res protocol.ListPromptsResult
		if found {
			if err := decodeResult(raw, &res); err != nil {
				return nil, err
			}
		}
		for i := range res.Prompts {
			res.Prompts[i].Name = values.Qualify(lp.Decl.Name, res.Prompts[i].Name).String()
		}
		return res.Prompts, nil
	})
	return &protocol.ListPromptsResult{Prompts: prompts}, warnings
}

// CallTool invokes "plugin::tool". The plugin's result is returned verbatim;
// a result flagged as an error is returned together with a tool_error.
func (r *Router) CallTool(ctx context.Context, target string, arguments json.RawMessage) (*protocol.CallToolResult, dto.ErrorClass, error) {
	lp, q, err := r.resolve(target)
	if err != nil {
		return nil, dto.ClassToolNotFound, err
	}
	if len(arguments) == 0 || string(arguments) == "null" {
		arguments = json.RawMessage("{}")
	}

	tool, found, known := lp.cachedTool(q.Item())
	if !known {
		r.refreshTools(ctx, lp)
		tool, found, known = lp.cachedTool(q.Item())
	}
	if known && !found {
		return nil, dto.ClassToolNotFound, apperrors.NewUnknownTargetError(target, "plugin has no such tool")
	}
	if r.validator != nil && len(tool.InputSchema) > 0 {
		if verr := r.validator.Validate(tool.InputSchema, arguments); verr != nil {
			return nil, dto.ClassToolError, apperrors.NewInvalidArgumentsError(lp.Name(), target, verr)
		}
	}

	raw, found, err := r.invoke(ctx, lp, protocol.EntryCallTool, protocol.CallToolParams{Name: q.Item(), Arguments: arguments})
	if err != nil {
		var reported *pluginReportedError
		if errors.As(err, &reported) {
			if reported.detail.Type == string(dto.ClassToolNotFound) {
				return nil, dto.ClassToolNotFound, apperrors.NewUnknownTargetError(target, reported.detail.Message)
			}
			toolErr := apperrors.NewToolError(lp.Name(), target)
			toolErr.Cause = err
			return &protocol.CallToolResult{
				Content: []json.RawMessage{protocol.TextContent(reported.detail.Message)},
				IsError: true,
			}, dto.ClassToolError, toolErr
		}
		return nil, dto.ClassPluginUnavailable, err
	}
	if !found {
		return nil, dto.ClassToolNotFound, apperrors.NewUnknownTargetError(target, "plugin does not export call_tool")
	}

	var res protocol.CallToolResult
	if err := decodeResult(raw, &res); err != nil {
		return nil, dto.ClassPluginUnavailable, apperrors.NewPluginFaultError(lp.Name(), protocol.EntryCallTool, err)
	}
	if res.Content == nil {
		res.Content = []json.RawMessage{}
	}
	if res.IsError {
		return &res, dto.ClassToolError, apperrors.NewToolError(lp.Name(), target)
	}
	return &res, dto.ClassNone, nil
}

// ReadResource reads "plugin::uri".
func (r *Router) ReadResource(ctx context.Context, target string) (*protocol.ReadResourceResult, error) {
	lp, q, err := r.resolve(target)
	if err != nil {
		return nil, err
	}
	var res protocol.ReadResourceResult
	if err := r.invokeTargeted(ctx, lp, target, protocol.EntryReadResource, protocol.ReadResourceParams{URI: q.Item()}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetPrompt renders "plugin::prompt".
func (r *Router) GetPrompt(ctx context.Context, target string, arguments map[string]string) (*protocol.GetPromptResult, error) {
	lp, q, err := r.resolve(target)
	if err != nil {
		return nil, err
	}
	var res protocol.GetPromptResult
	if err := r.invokeTargeted(ctx, lp, target, protocol.EntryGetPrompt, protocol.GetPromptParams{Name: q.Item(), Arguments: arguments}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Complete forwards a completion request to the plugin owning the referenced
// prompt or resource template. Plugins without a complete entry yield no values.
func (r *Router) Complete(ctx context.Context, params protocol.CompleteParams) (*protocol.CompleteResult, error) {
	var target string
	switch params.Ref.Type {
	case protocol.RefPrompt:
		target = params.Ref.Name
	case protocol.RefResource:
		target = params.Ref.URI
	default:
		return nil, apperrors.NewUnknownTargetError(params.Ref.Type, "unknown completion reference type")
	}

	lp, q, err := r.resolve(target)
	if err != nil {
		return nil, err
	}
	if params.Ref.Type == protocol.RefPrompt {
		params.Ref.Name = q.Item()
	} else {
		params.Ref.URI = q.Item()
	}

	empty := &protocol.CompleteResult{Completion: protocol.Completion{Values: []string{}}}
	var res protocol.CompleteResult
	err = r.invokeTargeted(ctx, lp, target, protocol.EntryComplete, params, &res)
	if kind, _ := apperrors.KindOf(err); kind == apperrors.KindUnknownTarget {
		return empty, nil
	}
	if err != nil {
		return nil, err
	}
	if res.Completion.Values == nil {
		res.Completion.Values = []string{}
	}
	return &res, nil
}

// NotifyRootsChanged broadcasts on_roots_list_changed to every plugin.
func (r *Router) NotifyRootsChanged(ctx context.Context) []string {
	_, warnings := fanOut(ctx, r, protocol.EntryOnRootsListChanged, func(*LoadedPlugin, json.RawMessage, bool) ([]struct{}, error) {
		return nil, nil
	})
	return warnings
}

// InvalidateTools drops the cached tool list of a plugin.
func (r *Router) InvalidateTools(name values.PluginName) {
	if lp, ok := r.registry.Lookup(name); ok {
		lp.forgetTools()
	}
}

func (r *Router) resolve(target string) (*LoadedPlugin, values.QualifiedName, error) {
	q, err := values.ParseQualifiedName(target)
	if err != nil {
		return nil, values.QualifiedName{}, apperrors.NewUnknownTargetError(target, err.Error())
	}
	lp, ok := r.registry.Lookup(q.Plugin())
	if !ok {
		return nil, values.QualifiedName{}, apperrors.NewUnknownTargetError(target, "no plugin named "+q.Plugin().String())
	}
	return lp, q, nil
}

// refreshTools populates the tool cache. Failures leave it unknown.
func (r *Router) refreshTools(ctx context.Context, lp *LoadedPlugin) {
	raw, found, err := r.invoke(ctx, lp, protocol.EntryListTools, struct{}{})
	if err != nil {
		r.logger.Debug("tool list unavailable", "plugin", lp.Name(), "error", err)
		return
	}
	var res protocol.ListToolsResult
	if found {
		if err := decodeResult(raw, &res); err != nil {
			r.logger.Debug("tool list malformed", "plugin", lp.Name(), "error", err)
			return
		}
	}
	lp.storeTools(res.Tools)
}

// invokeTargeted calls a targeted entry and decodes its result into out.
func (r *Router) invokeTargeted(ctx context.Context, lp *LoadedPlugin, target, entry string, params, out any) error {
	raw, found, err := r.invoke(ctx, lp, entry, params)
	if err != nil {
		var reported *pluginReportedError
		if errors.As(err, &reported) {
			toolErr := apperrors.NewToolError(lp.Name(), target)
			toolErr.Cause = err
			return toolErr
		}
		return err
	}
	if !found {
		return apperrors.NewUnknownTargetError(target, "plugin does not export "+entry)
	}
	if err := decodeResult(raw, out); err != nil {
		return apperrors.NewPluginFaultError(lp.Name(), entry, err)
	}
	return nil
}

// invoke runs one entry point on a pooled instance. found is false when the
// plugin does not export entry.
func (r *Router) invoke(ctx context.Context, lp *LoadedPlugin, entry string, params any) (json.RawMessage, bool, error) {
	name := lp.Name()
	cc, _ := execution.FromContext(ctx)
	cc = cc.Enter(lp.Decl.Name)
	ctx = execution.WithCallContext(ctx, cc)

	timeout := lp.Decl.Runtime.CallTimeout
	if timeout <= 0 {
		timeout = r.callTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	raw, found, err := r.dispatch(ctx, lp, cc, entry, params)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if kind, ok := apperrors.KindOf(err); ok {
			outcome = string(kind)
		}
	}
	r.metrics.ObserveCall(name, entry, outcome, time.Since(start))
	return raw, found, err
}

func (r *Router) dispatch(ctx context.Context, lp *LoadedPlugin, cc execution.CallContext, entry string, params any) (json.RawMessage, bool, error) {
	name := lp.Name()
	input, err := encodeEntryRequest(ctx, cc, params)
	if err != nil {
		return nil, false, err
	}

	pool := r.registry.Pool()
	h, err := pool.Acquire(ctx, name)
	if err != nil {
		return nil, false, err
	}
	r.logger.Debug("request dispatched", "plugin", name, "entry", entry,
		"correlation_id", cc.CorrelationID().String(), "call_path", cc.PathString())

	out, found, callErr := h.Instance.Call(ctx, entry, input)
	pool.Release(h, callErr != nil)
	if callErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, true, apperrors.NewTimeoutError(name, entry, ctxErr)
		}
		r.logger.Warn("plugin faulted", "plugin", name, "entry", entry,
			"correlation_id", cc.CorrelationID().String(), "error", callErr)
		return nil, true, apperrors.NewPluginFaultError(name, entry, callErr)
	}
	if !found {
		return nil, false, nil
	}

	var resp wireformat.EntryResponseWire
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, true, apperrors.NewPluginFaultError(name, entry, fmt.Errorf("malformed output: %w", err))
	}
	if resp.Error != nil {
		return nil, true, &pluginReportedError{plugin: name, entry: entry, detail: resp.Error}
	}
	return resp.Result, true, nil
}

func encodeEntryRequest(ctx context.Context, cc execution.CallContext, params any) ([]byte, error) {
	wire := wireformat.EntryRequestWire{
		Context: wireformat.ContextWireFormat{RequestID: cc.CorrelationID().String()},
	}
	if dl, ok := ctx.Deadline(); ok {
		wire.Context.Deadline = &dl
		wire.Context.TimeoutMs = time.Until(dl).Milliseconds()
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		wire.Params = raw
	}
	return json.Marshal(wire)
}

func decodeResult(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("malformed result: %w", err)
	}
	return nil
}

// fanOut invokes entry on every loaded plugin concurrently and merges the
// decoded items in plugin order. Failing plugins are omitted with a warning.
func fanOut[T any](ctx context.Context, r *Router, entry string, decode func(*LoadedPlugin, json.RawMessage, bool) ([]T, error)) ([]T, []string) {
	plugins := r.registry.Plugins()
	results := make([][]T, len(plugins))
	failures := make([]error, len(plugins))

	var g errgroup.Group
	for i, lp := range plugins {
		g.Go(func() error {
			raw, found, err := r.invoke(ctx, lp, entry, struct{}{})
			if err == nil {
				results[i], err = decode(lp, raw, found)
			}
			failures[i] = err
			return nil
		})
	}
	_ = g.Wait()

	merged := make([]T, 0)
	var warnings []string
	for i, lp := range plugins {
		if failures[i] != nil {
			r.logger.Warn("plugin omitted", "plugin", lp.Name(), "entry", entry, "error", failures[i])
			warnings = append(warnings, fmt.Sprintf("%s: %v", lp.Name(), failures[i]))
			continue
		}
		merged = append(merged, results[i]...)
	}
	return merged, warnings
}

// classify maps an error to the coarse class reported to clients.
func classify(err error) dto.ErrorClass {
	kind, _ := apperrors.KindOf(err)
	switch kind {
	case apperrors.KindUnknownTarget:
		return dto.ClassToolNotFound
	case apperrors.KindPluginFault, apperrors.KindTimeout, apperrors.KindPoolExhausted:
		return dto.ClassPluginUnavailable
	default:
		return dto.ClassToolError
	}
}
