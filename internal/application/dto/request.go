// Package dto contains data transfer objects for application layer use cases.
package dto

import "encoding/json"

// Operation names a protocol operation the router can dispatch.
type Operation string

const (
	OpListTools             Operation = "list_tools"
	OpCallTool              Operation = "call_tool"
	OpListResources         Operation = "list_resources"
	OpListResourceTemplates Operation = "list_resource_templates"
	OpReadResource          Operation = "read_resource"
	OpListPrompts           Operation = "list_prompts"
	OpGetPrompt             Operation = "get_prompt"
	OpComplete              Operation = "complete"
	OpRootsListChanged      Operation = "roots_list_changed"
)

// Request is a uniform protocol request.
type Request struct {
	Operation Operation
	// Target is the namespaced "plugin::name" for targeted operations.
	// For read_resource it is "plugin::uri"; for complete the reference is
	// carried in Arguments.
	Target    string
	Arguments json.RawMessage
	Metadata  RequestMetadata
}

// RequestMetadata contains metadata for request tracking.
type RequestMetadata struct {
	// RequestID is the client's id, logged next to the correlation id
	RequestID string
}
