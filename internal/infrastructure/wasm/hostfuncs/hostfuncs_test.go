package hostfuncs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	apperrors "github.com/reglet-dev/mcphost/internal/application/errors"
	"github.com/reglet-dev/mcphost/internal/domain/protocol"
)

func TestPackPtrLen_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ptr := rapid.Uint32().Draw(t, "ptr")
		length := rapid.Uint32().Draw(t, "len")
		gotPtr, gotLen := unpackPtrLen(packPtrLen(ptr, length))
		if gotPtr != ptr || gotLen != length {
			t.Fatalf("got (%d,%d), want (%d,%d)", gotPtr, gotLen, ptr, length)
		}
	})
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]protocol.LogLevel{
		"debug":     protocol.LevelDebug,
		"INFO":      protocol.LevelInfo,
		"warn":      protocol.LevelWarning,
		"warning":   protocol.LevelWarning,
		" error ":   protocol.LevelError,
		"emergency": protocol.LevelEmergency,
		"trace":     protocol.LevelDebug,
		"":          protocol.LevelInfo,
		"loud":      protocol.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLogLevel(in), "level %q", in)
	}
}

func TestToErrorDetail(t *testing.T) {
	assert.Nil(t, toErrorDetail(nil))

	d := toErrorDetail(fmt.Errorf("wrapped: %w", apperrors.NewNotExposedError("alpha", "beta::secret")))
	assert.Equal(t, string(apperrors.KindNotExposed), d.Type)

	d = toErrorDetail(apperrors.NewFetchError("alpha", apperrors.CauseNotFound, "https://x", nil))
	assert.Equal(t, string(apperrors.KindFetch), d.Type)
	assert.Equal(t, string(apperrors.CauseNotFound), d.Code)

	assert.Equal(t, string(apperrors.KindTimeout), toErrorDetail(context.DeadlineExceeded).Type)
	assert.Equal(t, "cancelled", toErrorDetail(context.Canceled).Type)
	assert.Equal(t, "internal", toErrorDetail(errors.New("boom")).Type)
}

func TestCreateContextFromWire(t *testing.T) {
	parent := context.Background()

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := createContextFromWire(parent, ContextWireFormat{Cancelled: true})
		defer cancel()
		assert.Error(t, ctx.Err())
	})

	t.Run("deadline", func(t *testing.T) {
		dl := time.Now().Add(time.Hour)
		ctx, cancel := createContextFromWire(parent, ContextWireFormat{Deadline: &dl})
		defer cancel()
		got, ok := ctx.Deadline()
		require.True(t, ok)
		assert.WithinDuration(t, dl, got, time.Millisecond)
	})

	t.Run("guest cannot extend host deadline", func(t *testing.T) {
		hostCtx, hostCancel := context.WithTimeout(parent, time.Second)
		defer hostCancel()
		ctx, cancel := createContextFromWire(hostCtx, ContextWireFormat{TimeoutMs: int64(time.Hour / time.Millisecond)})
		defer cancel()
		got, _ := ctx.Deadline()
		assert.WithinDuration(t, time.Now().Add(time.Second), got, 500*time.Millisecond)
	})

	t.Run("none", func(t *testing.T) {
		ctx, cancel := createContextFromWire(parent, ContextWireFormat{})
		defer cancel()
		_, ok := ctx.Deadline()
		assert.False(t, ok)
	})
}
