package ports

// SensitiveValueProvider tracks values that must never appear in logs.
// Plugin environment values are tracked at load time.
type SensitiveValueProvider interface {
	// Track registers a sensitive value to be protected (redacted).
	Track(value string)

	// AllValues returns all tracked sensitive values.
	AllValues() []string
}

// Redactor scrubs secrets from free text produced by plugins.
type Redactor interface {
	Redact(text string) string
}

// SecretResolver resolves named secrets referenced from plugin environments.
// Resolved values are tracked for redaction.
type SecretResolver interface {
	Resolve(name string) (string, error)
}
