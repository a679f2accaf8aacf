package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	jsonrpc "github.com/felixgeelhaar/mcp-go/protocol"

	"github.com/reglet-dev/mcphost/internal/application/ports"
	"github.com/reglet-dev/mcphost/internal/domain/protocol"
)

var _ ports.Peer = (*Server)(nil)

var (
	errClosed          = errors.New("transport closed")
	errNoElicitation   = errors.New("client does not support elicitation")
	listChangedMethods = map[protocol.ListKind]string{
		protocol.ListTools:     jsonrpc.MethodToolListChanged,
		protocol.ListResources: jsonrpc.MethodResourceListChanged,
		protocol.ListPrompts:   jsonrpc.MethodPromptListChanged,
	}
)

// Log forwards a plugin log record unless the client asked for a higher level.
func (s *Server) Log(_ context.Context, n protocol.LogNotification) error {
	s.mu.Lock()
	threshold := s.logLevel
	s.mu.Unlock()
	if !n.Level.AtLeast(threshold) {
		return nil
	}
	return s.notify(jsonrpc.MethodLoggingMessage, n)
}

// Progress forwards a progress notification.
func (s *Server) Progress(_ context.Context, n protocol.ProgressNotification) error {
	return s.notify(jsonrpc.MethodProgress, n)
}

// NotifyListChanged tells the client a list changed.
func (s *Server) NotifyListChanged(_ context.Context, kind protocol.ListKind) error {
	method, ok := listChangedMethods[kind]
	if !ok {
		return fmt.Errorf("unknown list kind %q", kind)
	}
	return s.notify(method, struct{}{})
}

// Elicit asks the client for structured input.
func (s *Server) Elicit(ctx context.Context, message string, schema json.RawMessage) (*protocol.ElicitResult, error) {
	s.mu.Lock()
	supported := s.clientCaps.Elicitation != nil
	s.mu.Unlock()
	if !supported {
		return nil, errNoElicitation
	}
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	raw, err := s.call(ctx, methodElicitationCreate, map[string]any{
		"message":         message,
		"requestedSchema": schema,
	})
	if err != nil {
		return nil, err
	}
	var result protocol.ElicitResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode elicitation result: %w", err)
	}
	return &result, nil
}

// ListRoots asks the client for its roots. Clients without the roots
// capability have none.
func (s *Server) ListRoots(ctx context.Context) ([]protocol.Root, error) {
	s.mu.Lock()
	supported := s.clientCaps.Roots != nil
	s.mu.Unlock()
	if !supported {
		return []protocol.Root{}, nil
	}
	raw, err := s.call(ctx, jsonrpc.MethodRootsList, struct{}{})
	if err != nil {
		return nil, err
	}
	var result struct {
		Roots []protocol.Root `json:"roots"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode roots: %w", err)
	}
	if result.Roots == nil {
		result.Roots = []protocol.Root{}
	}
	return result.Roots, nil
}
