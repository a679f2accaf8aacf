package values

import (
	"fmt"

	"github.com/google/uuid"
)

// CorrelationID ties together log lines and host-function calls of one request.
type CorrelationID struct {
	value uuid.UUID
}

// NewCorrelationID creates a new random correlation ID
func NewCorrelationID() CorrelationID {
	return CorrelationID{value: uuid.New()}
}

// ParseCorrelationID parses a string into a CorrelationID
func ParseCorrelationID(s string) (CorrelationID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return CorrelationID{}, fmt.Errorf("invalid correlation ID: %w", err)
	}
	return CorrelationID{value: id}, nil
}

// String returns the string representation
func (c CorrelationID) String() string {
	if c.IsZero() {
		return ""
	}
	return c.value.String()
}

// IsZero returns true if this is the zero value
func (c CorrelationID) IsZero() bool {
	return c.value == uuid.Nil
}
