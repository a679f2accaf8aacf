// Package transport serves the router over newline-delimited JSON-RPC 2.0
// on stdio and acts as the protocol peer plugins reach through the bridge.
package transport

import (
	"encoding/json"
	"errors"

	jsonrpc "github.com/felixgeelhaar/mcp-go/protocol"

	apperrors "github.com/reglet-dev/mcphost/internal/application/errors"
)

// Methods the mcp-go protocol package has no constant for.
const (
	methodElicitationCreate = "elicitation/create"
)

// errorData is attached to every error the router produces.
type errorData struct {
	Kind  string `json:"kind,omitempty"`
	Class string `json:"class,omitempty"`
}

// clientReply is the subset of an inbound message needed to recognize the
// client's answer to a server-initiated request. The mcp-go stdio transport
// decodes every line as a request, which drops result and error.
type clientReply struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *jsonrpc.Error  `json:"error,omitempty"`
}

func (m *clientReply) isReply() bool {
	return m.Method == "" && len(m.ID) > 0 && (len(m.Result) > 0 || m.Error != nil)
}

// toRPCError maps host errors onto JSON-RPC codes.
func toRPCError(err error, class string) *jsonrpc.Error {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	data := &errorData{Class: class}
	rpcErr = jsonrpc.NewInternalError(err.Error())
	if kind, ok := apperrors.KindOf(err); ok {
		data.Kind = string(kind)
		switch kind {
		case apperrors.KindUnknownTarget, apperrors.KindInvalidArguments:
			rpcErr = jsonrpc.NewInvalidParams(err.Error())
		}
	}
	return rpcErr.WithData(data)
}

func invalidParams(err error) *jsonrpc.Error {
	return jsonrpc.NewInvalidParams("invalid params: " + err.Error())
}
