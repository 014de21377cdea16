// Package schema compiles JSON schemas used to police engine replies.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// replyEnvelope is the contract every engine reply must meet. Payload fields
// beyond error/message/data are the engine's business and pass through.
const replyEnvelope = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["error"],
  "properties": {
    "error": {"type": "integer"},
    "message": {"type": "string"}
  }
}`

// Validator is a compiled schema. It is safe for concurrent use.
type Validator struct {
	id       string
	compiled *jsonschema.Schema
}

// Compile parses and compiles schema under the given resource id.
func Compile(id string, schema []byte) (*Validator, error) {
	if len(schema) == 0 {
		return nil, errors.New("schema is empty")
	}
	resourceID := schemaID(id)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceID, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{id: id, compiled: compiled}, nil
}

// Validate checks value, decoding it first when it is raw JSON.
func (v *Validator) Validate(value any) error {
	payload, err := normalizeValue(value)
	if err != nil {
		return fmt.Errorf("normalize payload: %w", err)
	}
	if err := v.compiled.Validate(payload); err != nil {
		return fmt.Errorf("schema %s: %w", v.id, err)
	}
	return nil
}

var (
	replyOnce      sync.Once
	replyValidator *Validator
	replyErr       error
)

// EngineReply returns the validator for the engine reply envelope.
func EngineReply() (*Validator, error) {
	replyOnce.Do(func() {
		replyValidator, replyErr = Compile("engine-reply", []byte(replyEnvelope))
	})
	return replyValidator, replyErr
}

// ValidateSchema compiles schema and validates value in one step.
func ValidateSchema(id string, schema []byte, value any) error {
	v, err := Compile(id, schema)
	if err != nil {
		return err
	}
	return v.Validate(value)
}

func normalizeValue(value any) (any, error) {
	var raw []byte
	switch v := value.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		return value, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	// Integer checks must see the literal, not a float64.
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

func schemaID(id string) string {
	if id == "" {
		id = "schema"
	}
	return "inmemory://" + id
}
