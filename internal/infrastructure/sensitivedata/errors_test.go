package sensitivedata

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeError(t *testing.T) {
	provider := NewProvider()
	provider.Track("very-secret-token")

	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"no secret", errors.New("something failed"), "something failed"},
		{"secret in message", errors.New("API call failed with token: very-secret-token"), "API call failed with token: [REDACTED]"},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SafeError(tt.err, provider)
			if tt.err == nil {
				assert.NoError(t, got)
				return
			}
			assert.EqualError(t, got, tt.expected)
		})
	}
}

func TestSafeError_PreservesUnredactedError(t *testing.T) {
	sentinel := errors.New("plain failure")
	assert.Same(t, sentinel, SafeError(sentinel, NewProvider()))
	assert.Same(t, sentinel, SafeError(sentinel, nil))
}
