// Package apperrors defines application-level error types.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is the stable classification of a host error. Kinds are sentinel
// errors: errors.Is(err, apperrors.KindTimeout) matches any *Error of that kind.
type Kind string

const (
	KindFetch            Kind = "fetch_error"
	KindIntegrity        Kind = "integrity_error"
	KindVerification     Kind = "verification_error"
	KindPoolExhausted    Kind = "pool_exhausted"
	KindTimeout          Kind = "timeout"
	KindNotExposed       Kind = "not_exposed"
	KindHostNotAllowed   Kind = "host_not_allowed"
	KindCycleDetected    Kind = "cycle_detected"
	KindUnknownTarget    Kind = "unknown_target"
	KindInvalidArguments Kind = "invalid_arguments"
	KindPluginFault      Kind = "plugin_fault"
	KindToolError        Kind = "tool_error"
)

func (k Kind) Error() string {
	return string(k)
}

// FetchCause refines a fetch_error.
type FetchCause string

const (
	CauseUnreachable       FetchCause = "unreachable"
	CauseAuthentication    FetchCause = "authentication"
	CauseUnsupportedScheme FetchCause = "unsupported_scheme"
	CauseNotFound          FetchCause = "not_found"
	CauseArchive           FetchCause = "archive"
)

// Error is a typed host error.
type Error struct {
	Cause  error
	Kind   Kind
	Plugin string // Plugin the error is attributed to, if any
	Reason string
	// AllowList names the grant that was violated for capability errors
	// (cross_plugin_tools, allowed_outbound_hosts, call_path).
	AllowList  string
	FetchCause FetchCause
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Plugin != "" {
		fmt.Fprintf(&b, " [%s]", e.Plugin)
	}
	if e.FetchCause != "" {
		fmt.Fprintf(&b, " (%s)", e.FetchCause)
	}
	if e.AllowList != "" {
		fmt.Fprintf(&b, " (%s)", e.AllowList)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches Kind sentinels.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// NewFetchError creates a fetch_error.
func NewFetchError(plugin string, cause FetchCause, location string, err error) *Error {
	return &Error{
		Kind:       KindFetch,
		Plugin:     plugin,
		FetchCause: cause,
		Reason:     location,
		Cause:      err,
	}
}

// NewIntegrityError reports a digest mismatch. The bytes must not be used.
func NewIntegrityError(plugin, expected, actual string) *Error {
	return &Error{
		Kind:   KindIntegrity,
		Plugin: plugin,
		Reason: fmt.Sprintf("digest mismatch: expected %s, got %s", expected, actual),
	}
}

// NewVerificationError reports a failed provenance check.
func NewVerificationError(plugin, reason string, cause error) *Error {
	return &Error{
		Kind:   KindVerification,
		Plugin: plugin,
		Reason: reason,
		Cause:  cause,
	}
}

// NewPoolExhaustedError reports that no instance became free within the wait bound.
func NewPoolExhaustedError(plugin string, waited time.Duration) *Error {
	return &Error{
		Kind:   KindPoolExhausted,
		Plugin: plugin,
		Reason: fmt.Sprintf("no instance available after %s", waited),
	}
}

// NewTimeoutError reports an expired deadline.
func NewTimeoutError(plugin, operation string, cause error) *Error {
	return &Error{
		Kind:   KindTimeout,
		Plugin: plugin,
		Reason: operation + " exceeded its deadline",
		Cause:  cause,
	}
}

// NewNotExposedError reports a cross-plugin call to a tool the target does not expose.
// Only the target's name is revealed, not its configuration.
func NewNotExposedError(caller, target string) *Error {
	return &Error{
		Kind:      KindNotExposed,
		Plugin:    caller,
		AllowList: "cross_plugin_tools",
		Reason:    fmt.Sprintf("%s is not listed in its plugin's cross_plugin_tools", target),
	}
}

// NewHostNotAllowedError reports an outbound request to an ungranted host.
func NewHostNotAllowedError(plugin, host string) *Error {
	return &Error{
		Kind:      KindHostNotAllowed,
		Plugin:    plugin,
		AllowList: "allowed_outbound_hosts",
		Reason:    fmt.Sprintf("host %q is not in allowed_outbound_hosts", host),
	}
}

// NewCycleDetectedError reports a plugin re-entering its own call path.
func NewCycleDetectedError(caller, path string) *Error {
	return &Error{
		Kind:      KindCycleDetected,
		Plugin:    caller,
		AllowList: "call_path",
		Reason:    "call path would repeat a plugin: " + path,
	}
}

// NewUnknownTargetError reports an unqualified or unresolvable target.
func NewUnknownTargetError(target, reason string) *Error {
	return &Error{
		Kind:   KindUnknownTarget,
		Reason: fmt.Sprintf("%q: %s", target, reason),
	}
}

// NewInvalidArgumentsError reports arguments rejected by the tool's input schema.
func NewInvalidArgumentsError(plugin, target string, cause error) *Error {
	return &Error{
		Kind:   KindInvalidArguments,
		Plugin: plugin,
		Reason: "arguments for " + target + " do not match its input schema",
		Cause:  cause,
	}
}

// NewPluginFaultError reports a trap, crash, or malformed output.
func NewPluginFaultError(plugin, operation string, cause error) *Error {
	return &Error{
		Kind:   KindPluginFault,
		Plugin: plugin,
		Reason: operation + " failed",
		Cause:  cause,
	}
}

// NewToolError reports a domain failure signalled by the tool itself.
func NewToolError(plugin, target string) *Error {
	return &Error{
		Kind:   KindToolError,
		Plugin: plugin,
		Reason: target + " reported an error",
	}
}

// ConfigurationError indicates system config or setup issue.
type ConfigurationError struct {
	Cause   error
	Aspect  string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration error (%s): %s: %v", e.Aspect, e.Message, e.Cause)
	}
	return fmt.Sprintf("configuration error (%s): %s", e.Aspect, e.Message)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Cause
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(aspect, message string, cause error) *ConfigurationError {
	return &ConfigurationError{
		Aspect:  aspect,
		Message: message,
		Cause:   cause,
	}
}
