package hostfuncs

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/tetratelabs/wazero/api"

	"github.com/reglet-dev/mcphost/internal/application/ports"
	"github.com/reglet-dev/mcphost/wireformat"
)

// Fetch implements the `fetch` host function. Authorization against the
// plugin's network grants happens in the bridge.
func Fetch(ctx context.Context, mod api.Module, packed uint64, env *hostEnv) uint64 {
	var req wireformat.FetchRequestWire
	if err := readRequest(mod, packed, &req); err != nil {
		return hostWriteResponse(ctx, mod, wireformat.FetchResponseWire{Error: invalidRequest(err)})
	}

	var body []byte
	if req.Body != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return hostWriteResponse(ctx, mod, wireformat.FetchResponseWire{
				Error: invalidRequest(fmt.Errorf("decode body: %w", err)),
			})
		}
		body = decoded
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	fetchCtx, cancel := createContextFromWire(ctx, req.Context)
	defer cancel()

	resp, err := env.bridge.Fetch(fetchCtx, env.caller, &ports.OutboundRequest{
		Method:  method,
		URL:     req.URL,
		Headers: req.Headers,
		Body:    body,
	})
	if err != nil {
		return hostWriteResponse(ctx, mod, wireformat.FetchResponseWire{Error: toErrorDetail(err)})
	}

	return hostWriteResponse(ctx, mod, wireformat.FetchResponseWire{
		StatusCode:    resp.StatusCode,
		Headers:       resp.Headers,
		Body:          base64.StdEncoding.EncodeToString(resp.Body),
		BodyTruncated: resp.Truncated,
	})
}
