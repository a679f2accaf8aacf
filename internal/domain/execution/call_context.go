// Package execution carries per-invocation state through a call chain.
package execution

import (
	"context"
	"slices"
	"strings"

	"github.com/reglet-dev/mcphost/internal/domain/values"
)

// CallContext is the state of one invocation. Values are copied when
// extended; a CallContext is never shared between calls.
type CallContext struct {
	correlationID values.CorrelationID
	caller        values.PluginName // Empty for calls that came from the client
	path          []values.PluginName
}

// NewCallContext starts a call chain at the protocol client.
func NewCallContext() CallContext {
	return CallContext{correlationID: values.NewCorrelationID()}
}

// CorrelationID returns the id shared by every hop of the chain.
func (c CallContext) CorrelationID() values.CorrelationID {
	return c.correlationID
}

// Caller returns the plugin that issued the current call, if any.
func (c CallContext) Caller() values.PluginName {
	return c.caller
}

// Path returns a copy of the ordered plugins currently executing in the chain.
func (c CallContext) Path() []values.PluginName {
	return slices.Clone(c.path)
}

// Depth returns the number of plugins on the path.
func (c CallContext) Depth() int {
	return len(c.path)
}

// Contains reports whether name is already executing in the chain.
func (c CallContext) Contains(name values.PluginName) bool {
	return slices.ContainsFunc(c.path, name.Equals)
}

// Enter returns the context for executing inside plugin name.
func (c CallContext) Enter(name values.PluginName) CallContext {
	next := c
	next.path = append(slices.Clone(c.path), name)
	return next
}

// From returns the context for a call issued by plugin name.
func (c CallContext) From(name values.PluginName) CallContext {
	next := c
	next.caller = name
	next.path = slices.Clone(c.path)
	return next
}

// PathString renders the path as "a -> b -> c".
func (c CallContext) PathString() string {
	parts := make([]string, len(c.path))
	for i, p := range c.path {
		parts[i] = p.String()
	}
	return strings.Join(parts, " -> ")
}

type callContextKey struct{}

// WithCallContext attaches cc to ctx.
func WithCallContext(ctx context.Context, cc CallContext) context.Context {
	return context.WithValue(ctx, callContextKey{}, cc)
}

// FromContext returns the call context carried by ctx.
// A fresh root context is returned when none is attached.
func FromContext(ctx context.Context) (CallContext, bool) {
	cc, ok := ctx.Value(callContextKey{}).(CallContext)
	if !ok {
		return NewCallContext(), false
	}
	return cc, true
}
