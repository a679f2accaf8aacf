package sensitivedata

import (
	"errors"
	"strings"

	"github.com/reglet-dev/mcphost/internal/application/ports"
)

// SafeError returns err with tracked values redacted from its message.
// The original error is returned when nothing needed redacting, which
// keeps its type for errors.As.
func SafeError(err error, provider ports.SensitiveValueProvider) error {
	if err == nil {
		return nil
	}
	if provider == nil {
		return err
	}

	msg := err.Error()
	for _, secret := range provider.AllValues() {
		if secret != "" && strings.Contains(msg, secret) {
			msg = strings.ReplaceAll(msg, secret, "[REDACTED]")
		}
	}

	if msg == err.Error() {
		return err // No redaction needed, return original error to preserve type
	}

	return errors.New(msg)
}
