package dto

import (
	"encoding/json"
	"time"
)

// ErrorClass is the coarse classification of a failed call.
type ErrorClass string

const (
	ClassNone              ErrorClass = ""
	ClassToolNotFound      ErrorClass = "tool_not_found"
	ClassPluginUnavailable ErrorClass = "plugin_unavailable"
	ClassToolError         ErrorClass = "tool_error"
)

// Response is a uniform protocol response. Result holds the operation's
// merged or verbatim result document.
type Response struct {
	Result   json.RawMessage
	Content  []json.RawMessage // Content blocks for call_tool
	IsError  bool
	Class    ErrorClass
	Metadata ResponseMetadata
}

// ResponseMetadata contains metadata about the response.
type ResponseMetadata struct {
	// CorrelationID ties the response to host and plugin logs
	CorrelationID string

	// Duration is how long the request took
	Duration time.Duration

	// Warnings lists plugins omitted from a listing
	Warnings []string
}
