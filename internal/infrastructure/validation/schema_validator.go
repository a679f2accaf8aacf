// Package validation checks tool arguments against the JSON Schemas plugins declare.
package validation

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/reglet-dev/mcphost/internal/application/ports"
)

const defaultCacheSize = 256

// SchemaValidator compiles schemas once and validates documents against them.
type SchemaValidator struct {
	compiled *lru.Cache[string, *jsonschema.Schema]
}

var _ ports.SchemaValidator = (*SchemaValidator)(nil)

// NewSchemaValidator creates a validator caching up to size compiled schemas.
func NewSchemaValidator(size int) *SchemaValidator {
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, _ := lru.New[string, *jsonschema.Schema](size)
	return &SchemaValidator{compiled: cache}
}

// Validate checks doc against schema. An empty schema accepts anything and
// an empty document is treated as {}.
func (v *SchemaValidator) Validate(schema, doc []byte) error {
	if len(bytes.TrimSpace(schema)) == 0 {
		return nil
	}
	compiled, err := v.compile(schema)
	if err != nil {
		return err
	}

	if len(bytes.TrimSpace(doc)) == 0 {
		doc = []byte("{}")
	}
	instance, err := decodeInstance(doc)
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}

	if err := compiled.Validate(instance); err != nil {
		var validationErr *jsonschema.ValidationError
		if errors.As(err, &validationErr) {
			return formatSchemaValidationError(validationErr)
		}
		return err
	}
	return nil
}

// decodeInstance decodes one JSON value, keeping numbers as json.Number
// so integer checks see the literal.
func decodeInstance(doc []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after the top-level value")
	}
	return instance, nil
}

func (v *SchemaValidator) compile(schema []byte) (*jsonschema.Schema, error) {
	sum := sha256.Sum256(schema)
	key := hex.EncodeToString(sum[:])
	if s, ok := v.compiled.Get(key); ok {
		return s, nil
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("schema.json", bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	s, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	v.compiled.Add(key, s)
	return s, nil
}

// formatSchemaValidationError flattens the error tree into one line per leaf.
func formatSchemaValidationError(err *jsonschema.ValidationError) error {
	var messages []string

	var collect func(*jsonschema.ValidationError)
	collect = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 && e.Message != "" {
			location := e.InstanceLocation
			if location == "" {
				location = "(root)"
			}
			messages = append(messages, fmt.Sprintf("%s: %s", location, e.Message))
		}
		for _, cause := range e.Causes {
			collect(cause)
		}
	}
	collect(err)

	if len(messages) == 0 {
		return errors.New("validation failed")
	}
	return fmt.Errorf("schema validation failed: %s", strings.Join(messages, "; "))
}
