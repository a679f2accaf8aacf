// Package wireformat defines the JSON wire format structures for communication
// between the WASM host and guest (plugins). These types must remain stable
// and backward compatible as they define the ABI contract.
package wireformat

import (
	"encoding/json"
	"fmt"
	"time"
)

// ContextWireFormat is the JSON wire format for context.Context propagation.
type ContextWireFormat struct {
	Deadline  *time.Time `json:"deadline,omitempty"`
	TimeoutMs int64      `json:"timeout_ms,omitempty"`
	RequestID string     `json:"request_id,omitempty"` // For log correlation
	Cancelled bool       `json:"cancelled,omitempty"`  // True if context is already cancelled
}

// EntryRequestWire is the envelope the host passes to every plugin entry point
// (list_tools, call_tool, read_resource, ...).
type EntryRequestWire struct {
	Context ContextWireFormat `json:"context"`
	Params  json.RawMessage   `json:"params,omitempty"`
}

// EntryResponseWire is the envelope every plugin entry point returns.
// Error carries a failure the plugin reports without trapping.
type EntryResponseWire struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorDetail    `json:"error,omitempty"`
}

// CallToolRequestWire is the JSON wire format for a cross-plugin tool call from Guest to Host.
type CallToolRequestWire struct {
	Context   ContextWireFormat `json:"context"`
	Name      string            `json:"name"` // Namespaced "plugin::tool"
	Arguments json.RawMessage   `json:"arguments,omitempty"`
}

// CallToolResponseWire is the JSON wire format for a cross-plugin tool call response from Host to Guest.
type CallToolResponseWire struct {
	Result json.RawMessage `json:"result,omitempty"` // CallToolResult as produced by the target plugin
	Error  *ErrorDetail    `json:"error,omitempty"`
}

// FetchRequestWire is the JSON wire format for an outbound HTTP request from Guest to Host.
type FetchRequestWire struct {
	Context ContextWireFormat   `json:"context"`
	Method  string              `json:"method,omitempty"` // Defaults to GET
	URL     string              `json:"url"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    string              `json:"body,omitempty"` // Base64 encoded
}

// FetchResponseWire is the JSON wire format for an outbound HTTP response from Host to Guest.
type FetchResponseWire struct {
	StatusCode    int                 `json:"status_code"`
	Headers       map[string][]string `json:"headers,omitempty"`
	Body          string              `json:"body,omitempty"`           // Base64 encoded
	BodyTruncated bool                `json:"body_truncated,omitempty"` // True if response body exceeded size limit
	Error         *ErrorDetail        `json:"error,omitempty"`
}

// LogMessageWire is the JSON wire format for a log message from Guest to Host.
type LogMessageWire struct {
	Context ContextWireFormat `json:"context"`
	Level   string            `json:"level"`
	Logger  string            `json:"logger,omitempty"`
	Message string            `json:"message"`
	Data    json.RawMessage   `json:"data,omitempty"`
}

// ProgressWire is the JSON wire format for a progress report from Guest to Host.
type ProgressWire struct {
	Context  ContextWireFormat `json:"context"`
	Token    json.RawMessage   `json:"token"` // string or number, opaque to the host
	Progress float64           `json:"progress"`
	Total    *float64          `json:"total,omitempty"`
	Message  string            `json:"message,omitempty"`
}

// ElicitRequestWire is the JSON wire format for an interactive input request from Guest to Host.
type ElicitRequestWire struct {
	Context         ContextWireFormat `json:"context"`
	Message         string            `json:"message"`
	RequestedSchema json.RawMessage   `json:"requested_schema,omitempty"`
	TimeoutMs       int64             `json:"timeout_ms,omitempty"`
}

// ElicitResponseWire is the JSON wire format for the user's answer from Host to Guest.
type ElicitResponseWire struct {
	Action  string          `json:"action,omitempty"` // "accept", "decline", "cancel"
	Content json.RawMessage `json:"content,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

// RootWire describes one client root.
type RootWire struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// ListRootsResponseWire is the JSON wire format for the client's roots from Host to Guest.
type ListRootsResponseWire struct {
	Roots []RootWire   `json:"roots"`
	Error *ErrorDetail `json:"error,omitempty"`
}

// NotifyWire is the JSON wire format for a list-changed notification from Guest to Host.
type NotifyWire struct {
	Context ContextWireFormat `json:"context"`
	Kind    string            `json:"kind"` // "tools", "resources", "prompts"
}

// StatusResponseWire acknowledges host functions that have no payload.
type StatusResponseWire struct {
	Error *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail provides structured error information, consistent across host and SDK.
// Type carries the host's stable error kind (e.g. "not_exposed", "host_not_allowed").
type ErrorDetail struct {
	Message string       `json:"message"`
	Type    string       `json:"type"`
	Code    string       `json:"code,omitempty"`
	Wrapped *ErrorDetail `json:"wrapped,omitempty"`
}

// Error implements the error interface for ErrorDetail.
func (e *ErrorDetail) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if e.Type != "" && e.Type != "internal" {
		msg = fmt.Sprintf("%s: %s", e.Type, msg)
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Code)
	}
	if e.Wrapped != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Wrapped.Error())
	}
	return msg
}
