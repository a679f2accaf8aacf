package hostfuncs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/reglet-dev/mcphost/wireformat"

	apperrors "github.com/reglet-dev/mcphost/internal/application/errors"
)

type (
	// ContextWireFormat is a re-export of wireformat.ContextWireFormat
	ContextWireFormat = wireformat.ContextWireFormat
	// ErrorDetail is a re-export of wireformat.ErrorDetail
	ErrorDetail = wireformat.ErrorDetail
)

// maxRequestSize bounds a single guest request read from memory.
const maxRequestSize = 16 << 20

// createContextFromWire narrows the call context with the guest's deadline.
// The guest can shorten, never extend, the host's deadline.
func createContextFromWire(parentCtx context.Context, wireCtx ContextWireFormat) (context.Context, context.CancelFunc) {
	if wireCtx.Cancelled {
		ctx, cancel := context.WithCancel(parentCtx)
		cancel()
		return ctx, cancel
	}
	if wireCtx.Deadline != nil && !wireCtx.Deadline.IsZero() {
		return context.WithDeadline(parentCtx, *wireCtx.Deadline)
	}
	if wireCtx.TimeoutMs > 0 {
		return context.WithTimeout(parentCtx, time.Duration(wireCtx.TimeoutMs)*time.Millisecond)
	}
	return context.WithCancel(parentCtx)
}

// toErrorDetail converts a host error into the wire error. Type carries
// the stable error kind so guests can branch on it.
func toErrorDetail(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	detail := &ErrorDetail{Message: err.Error(), Type: "internal"}

	var appErr *apperrors.Error
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &appErr):
		detail.Type = string(appErr.Kind)
		detail.Code = string(appErr.FetchCause)
	case errors.Is(err, context.DeadlineExceeded):
		detail.Type = string(apperrors.KindTimeout)
	case errors.Is(err, context.Canceled):
		detail.Type = "cancelled"
	case errors.As(err, &dnsErr):
		detail.Type = "network"
		if dnsErr.IsTimeout {
			detail.Type = string(apperrors.KindTimeout)
		}
	}
	return detail
}

func invalidRequest(err error) *ErrorDetail {
	return &ErrorDetail{Message: err.Error(), Type: "invalid_request"}
}

// readRequest decodes the JSON request at the packed ptr+len.
func readRequest(mod api.Module, packed uint64, v any) error {
	ptr, length := unpackPtrLen(packed)
	if length > maxRequestSize {
		return fmt.Errorf("request of %d bytes exceeds limit", length)
	}
	data, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return fmt.Errorf("request at offset %d (%d bytes) is out of range", ptr, length)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

// hostWriteResponse writes the JSON response into guest memory through
// the guest's allocate export and returns packed ptr+len. Zero means the
// response could not be delivered.
func hostWriteResponse(ctx context.Context, mod api.Module, response any) uint64 {
	data, err := json.Marshal(response)
	if err != nil {
		slog.ErrorContext(ctx, "hostfuncs: failed to marshal response", "error", err)
		data, _ = json.Marshal(wireformat.StatusResponseWire{
			Error: &ErrorDetail{Message: "failed to marshal response", Type: "internal"},
		})
	}

	allocate := mod.ExportedFunction("allocate")
	if allocate == nil {
		slog.ErrorContext(ctx, "hostfuncs: guest does not export allocate")
		return 0
	}
	results, err := allocate.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 {
		slog.ErrorContext(ctx, "hostfuncs: guest allocate failed", "error", err)
		return 0
	}
	ptr := uint32(results[0]) //nolint:gosec // G115: WASM32 pointers are always 32-bit
	if !mod.Memory().Write(ptr, data) {
		slog.ErrorContext(ctx, "hostfuncs: response does not fit guest memory", "size", len(data))
		return 0
	}
	return packPtrLen(ptr, uint32(len(data))) //nolint:gosec // G115: bounded by guest memory
}

// packPtrLen and unpackPtrLen match the guest SDK ABI.
func packPtrLen(ptr, length uint32) uint64 {
	return (uint64(ptr) << 32) | uint64(length)
}

func unpackPtrLen(packed uint64) (ptr, length uint32) {
	ptr = uint32(packed >> 32) //nolint:gosec // G115: Packed format stores 32-bit values
	length = uint32(packed)    //nolint:gosec // G115: Packed format stores 32-bit values
	return ptr, length
}
