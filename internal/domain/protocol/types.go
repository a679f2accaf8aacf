// Package protocol defines the request/response shapes exchanged with plugins
// and protocol clients. Field names follow the MCP JSON schema (camelCase).
package protocol

import "encoding/json"

// Entry points a plugin may export. Each is optional.
const (
	EntryListTools             = "list_tools"
	EntryCallTool              = "call_tool"
	EntryListResources         = "list_resources"
	EntryListResourceTemplates = "list_resource_templates"
	EntryReadResource          = "read_resource"
	EntryListPrompts           = "list_prompts"
	EntryGetPrompt             = "get_prompt"
	EntryComplete              = "complete"
	EntryOnRootsListChanged    = "on_roots_list_changed"
)

// Tool describes a callable tool.
type Tool struct {
	Name         string          `json:"name"`
	Title        string          `json:"title,omitempty"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	Annotations  json.RawMessage `json:"annotations,omitempty"`
}

// ListToolsResult is returned by list_tools.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolParams is the argument of call_tool.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult is returned by call_tool. Content blocks are passed through
// verbatim; the host never interprets them.
type CallToolResult struct {
	Content           []json.RawMessage `json:"content"`
	StructuredContent json.RawMessage   `json:"structuredContent,omitempty"`
	IsError           bool              `json:"isError,omitempty"`
}

// TextContent builds a single text content block.
func TextContent(text string) json.RawMessage {
	b, _ := json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{Type: "text", Text: text})
	return b
}

// Resource describes a readable resource.
type Resource struct {
	URI         string          `json:"uri"`
	Name        string          `json:"name"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	MimeType    string          `json:"mimeType,omitempty"`
	Size        *int64          `json:"size,omitempty"`
	Annotations json.RawMessage `json:"annotations,omitempty"`
}

// ListResourcesResult is returned by list_resources.
type ListResourcesResult struct {
	Resources []Resource `json:"resources"`
}

// ResourceTemplate describes a parameterized resource URI.
type ResourceTemplate struct {
	URITemplate string          `json:"uriTemplate"`
	Name        string          `json:"name"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	MimeType    string          `json:"mimeType,omitempty"`
	Annotations json.RawMessage `json:"annotations,omitempty"`
}

// ListResourceTemplatesResult is returned by list_resource_templates.
type ListResourceTemplatesResult struct {
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
}

// ReadResourceParams is the argument of read_resource.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ReadResourceResult is returned by read_resource.
type ReadResourceResult struct {
	Contents []json.RawMessage `json:"contents"`
}

// PromptArgument describes one prompt parameter.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Prompt describes a prompt template.
type Prompt struct {
	Name        string           `json:"name"`
	Title       string           `json:"title,omitempty"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// ListPromptsResult is returned by list_prompts.
type ListPromptsResult struct {
	Prompts []Prompt `json:"prompts"`
}

// GetPromptParams is the argument of get_prompt.
type GetPromptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// GetPromptResult is returned by get_prompt.
type GetPromptResult struct {
	Description string            `json:"description,omitempty"`
	Messages    []json.RawMessage `json:"messages"`
}

// Reference types for completion.
const (
	RefPrompt   = "ref/prompt"
	RefResource = "ref/resource"
)

// CompleteReference points at the prompt or resource template being completed.
type CompleteReference struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"` // ref/prompt
	URI  string `json:"uri,omitempty"`  // ref/resource
}

// CompleteArgument is the argument being completed.
type CompleteArgument struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CompleteParams is the argument of complete.
type CompleteParams struct {
	Ref      CompleteReference `json:"ref"`
	Argument CompleteArgument  `json:"argument"`
	Context  json.RawMessage   `json:"context,omitempty"`
}

// Completion holds completion candidates.
type Completion struct {
	Values  []string `json:"values"`
	Total   *int     `json:"total,omitempty"`
	HasMore bool     `json:"hasMore,omitempty"`
}

// CompleteResult is returned by complete.
type CompleteResult struct {
	Completion Completion `json:"completion"`
}

// Root is a client-declared filesystem or URI root.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// ElicitResult is the client's answer to an input request.
type ElicitResult struct {
	Action  string          `json:"action"`
	Content json.RawMessage `json:"content,omitempty"`
}

// ListKind names a list that a plugin may report as changed.
type ListKind string

const (
	ListTools     ListKind = "tools"
	ListResources ListKind = "resources"
	ListPrompts   ListKind = "prompts"
)

// Valid reports whether k is a known list kind.
func (k ListKind) Valid() bool {
	switch k {
	case ListTools, ListResources, ListPrompts:
		return true
	}
	return false
}

// LogLevel is an RFC 5424 severity as used by protocol log notifications.
type LogLevel string

const (
	LevelDebug     LogLevel = "debug"
	LevelInfo      LogLevel = "info"
	LevelNotice    LogLevel = "notice"
	LevelWarning   LogLevel = "warning"
	LevelError     LogLevel = "error"
	LevelCritical  LogLevel = "critical"
	LevelAlert     LogLevel = "alert"
	LevelEmergency LogLevel = "emergency"
)

// LogNotification is a plugin log record forwarded to the client.
type LogNotification struct {
	Level  LogLevel        `json:"level"`
	Logger string          `json:"logger,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// ProgressNotification reports progress on a long-running request.
type ProgressNotification struct {
	ProgressToken json.RawMessage `json:"progressToken"`
	Progress      float64         `json:"progress"`
	Total         *float64        `json:"total,omitempty"`
	Message       string          `json:"message,omitempty"`
}

var levelSeverity = map[LogLevel]int{
	LevelDebug: 0, LevelInfo: 1, LevelNotice: 2, LevelWarning: 3,
	LevelError: 4, LevelCritical: 5, LevelAlert: 6, LevelEmergency: 7,
}

// AtLeast reports whether l is as severe as threshold. Unknown levels rank as info.
func (l LogLevel) AtLeast(threshold LogLevel) bool {
	rank := func(x LogLevel) int {
		if s, ok := levelSeverity[x]; ok {
			return s
		}
		return levelSeverity[LevelInfo]
	}
	return rank(l) >= rank(threshold)
}
