// Package hostfuncs implements the "mcphost" host module that plugins
// import to call back into the host.
package hostfuncs

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/reglet-dev/mcphost/internal/application/ports"
	"github.com/reglet-dev/mcphost/internal/domain/values"
)

// ModuleName is the import module guests link against.
const ModuleName = "mcphost"

type handler func(ctx context.Context, mod api.Module, packed uint64, h *hostEnv) uint64

// hostEnv binds the calling plugin's identity. Each plugin gets its own
// runtime and therefore its own env; guest code never names its caller.
type hostEnv struct {
	caller values.PluginName
	bridge ports.HostBridge
}

// RegisterHostFunctions instantiates the host module in runtime with every
// call attributed to caller.
func RegisterHostFunctions(ctx context.Context, runtime wazero.Runtime, caller values.PluginName, bridge ports.HostBridge) error {
	env := &hostEnv{caller: caller, bridge: bridge}
	builder := runtime.NewHostModuleBuilder(ModuleName)

	// Each takes a packed ptr+len of a JSON request and returns a packed
	// ptr+len of the JSON response.
	for name, fn := range map[string]handler{
		"call_tool":           CallTool,
		"fetch":               Fetch,
		"report_progress":     ReportProgress,
		"request_user_input":  RequestUserInput,
		"list_roots":          ListRoots,
		"notify_list_changed": NotifyListChanged,
	} {
		fn := fn
		builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				stack[0] = fn(ctx, mod, stack[0], env)
			}), []api.ValueType{api.ValueTypeI64}, []api.ValueType{api.ValueTypeI64}).
			Export(name)
	}

	// log_message has no response.
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			LogMessage(ctx, mod, stack[0], env)
		}), []api.ValueType{api.ValueTypeI64}, []api.ValueType{}).
		Export("log_message")

	_, err := builder.Instantiate(ctx)
	return err
}
