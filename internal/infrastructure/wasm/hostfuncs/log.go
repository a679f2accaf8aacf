package hostfuncs

import (
	"context"
	"log/slog"
	"strings"

	"github.com/tetratelabs/wazero/api"

	"github.com/reglet-dev/mcphost/internal/domain/protocol"
	"github.com/reglet-dev/mcphost/wireformat"
)

// LogMessage implements the `log_message` host function.
// It receives a packed uint64 (ptr+len) pointing to a JSON-encoded LogMessageWire.
// It does not return any value.
func LogMessage(ctx context.Context, mod api.Module, packed uint64, env *hostEnv) {
	var msg wireformat.LogMessageWire
	if err := readRequest(mod, packed, &msg); err != nil {
		slog.WarnContext(ctx, "hostfuncs: dropped malformed log message", "plugin", env.caller, "error", err)
		return
	}
	env.bridge.Log(ctx, env.caller, parseLogLevel(msg.Level), msg.Logger, msg.Message, msg.Data)
}

// parseLogLevel maps a guest level onto the protocol's severities.
// Unknown levels are logged at info.
func parseLogLevel(level string) protocol.LogLevel {
	switch l := protocol.LogLevel(strings.ToLower(strings.TrimSpace(level))); l {
	case protocol.LevelDebug, protocol.LevelInfo, protocol.LevelNotice, protocol.LevelWarning,
		protocol.LevelError, protocol.LevelCritical, protocol.LevelAlert, protocol.LevelEmergency:
		return l
	case "warn":
		return protocol.LevelWarning
	case "trace":
		return protocol.LevelDebug
	default:
		return protocol.LevelInfo
	}
}
