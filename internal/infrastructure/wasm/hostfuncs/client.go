package hostfuncs

import (
	"context"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/reglet-dev/mcphost/internal/domain/protocol"
	"github.com/reglet-dev/mcphost/wireformat"
)

// ReportProgress implements the `report_progress` host function.
func ReportProgress(ctx context.Context, mod api.Module, packed uint64, env *hostEnv) uint64 {
	var req wireformat.ProgressWire
	if err := readRequest(mod, packed, &req); err != nil {
		return hostWriteResponse(ctx, mod, wireformat.StatusResponseWire{Error: invalidRequest(err)})
	}
	err := env.bridge.ReportProgress(ctx, env.caller, protocol.ProgressNotification{
		ProgressToken: req.Token,
		Progress:      req.Progress,
		Total:         req.Total,
		Message:       req.Message,
	})
	return hostWriteResponse(ctx, mod, wireformat.StatusResponseWire{Error: toErrorDetail(err)})
}

// RequestUserInput implements the `request_user_input` host function.
func RequestUserInput(ctx context.Context, mod api.Module, packed uint64, env *hostEnv) uint64 {
	var req wireformat.ElicitRequestWire
	if err := readRequest(mod, packed, &req); err != nil {
		return hostWriteResponse(ctx, mod, wireformat.ElicitResponseWire{Error: invalidRequest(err)})
	}

	reqCtx, cancel := createContextFromWire(ctx, req.Context)
	defer cancel()

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	result, err := env.bridge.RequestUserInput(reqCtx, env.caller, req.Message, req.RequestedSchema, timeout)
	if err != nil {
		return hostWriteResponse(ctx, mod, wireformat.ElicitResponseWire{Error: toErrorDetail(err)})
	}
	if result == nil {
		return hostWriteResponse(ctx, mod, wireformat.ElicitResponseWire{Action: "cancel"})
	}
	return hostWriteResponse(ctx, mod, wireformat.ElicitResponseWire{Action: result.Action, Content: result.Content})
}

// ListRoots implements the `list_roots` host function. The request
// payload is ignored.
func ListRoots(ctx context.Context, mod api.Module, _ uint64, env *hostEnv) uint64 {
	roots, err := env.bridge.ListRoots(ctx, env.caller)
	if err != nil {
		return hostWriteResponse(ctx, mod, wireformat.ListRootsResponseWire{Roots: []wireformat.RootWire{}, Error: toErrorDetail(err)})
	}
	wire := make([]wireformat.RootWire, 0, len(roots))
	for _, r := range roots {
		wire = append(wire, wireformat.RootWire{URI: r.URI, Name: r.Name})
	}
	return hostWriteResponse(ctx, mod, wireformat.ListRootsResponseWire{Roots: wire})
}

// NotifyListChanged implements the `notify_list_changed` host function.
func NotifyListChanged(ctx context.Context, mod api.Module, packed uint64, env *hostEnv) uint64 {
	var req wireformat.NotifyWire
	if err := readRequest(mod, packed, &req); err != nil {
		return hostWriteResponse(ctx, mod, wireformat.StatusResponseWire{Error: invalidRequest(err)})
	}
	kind := protocol.ListKind(req.Kind)
	if !kind.Valid() {
		return hostWriteResponse(ctx, mod, wireformat.StatusResponseWire{
			Error: invalidRequest(fmt.Errorf("unknown list kind %q", req.Kind)),
		})
	}
	err := env.bridge.NotifyListChanged(ctx, env.caller, kind)
	return hostWriteResponse(ctx, mod, wireformat.StatusResponseWire{Error: toErrorDetail(err)})
}
