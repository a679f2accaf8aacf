package hostfuncs

import (
	"context"
	"encoding/json"

	"github.com/tetratelabs/wazero/api"

	"github.com/reglet-dev/mcphost/wireformat"
)

// CallTool implements the `call_tool` host function: a plugin invoking a
// tool exposed by another plugin.
func CallTool(ctx context.Context, mod api.Module, packed uint64, env *hostEnv) uint64 {
	var req wireformat.CallToolRequestWire
	if err := readRequest(mod, packed, &req); err != nil {
		return hostWriteResponse(ctx, mod, wireformat.CallToolResponseWire{Error: invalidRequest(err)})
	}

	callCtx, cancel := createContextFromWire(ctx, req.Context)
	defer cancel()

	result, err := env.bridge.CallTool(callCtx, env.caller, req.Name, req.Arguments)
	if err != nil {
		return hostWriteResponse(ctx, mod, wireformat.CallToolResponseWire{Error: toErrorDetail(err)})
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return hostWriteResponse(ctx, mod, wireformat.CallToolResponseWire{Error: toErrorDetail(err)})
	}
	return hostWriteResponse(ctx, mod, wireformat.CallToolResponseWire{Result: raw})
}
