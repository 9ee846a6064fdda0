// Package schema validates incoming action proposals against per-type JSON
// Schemas before any record is created. Validation is pure: it either returns
// a normalized payload with defaults applied or a structured validation error
// naming the offending fields.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/stewardlabs/veract/pkg/contracts"
)

// CrossCheck enforces a constraint between fields that JSON Schema cannot
// express, e.g. chunk overlap strictly below chunk size. It runs after
// schema validation, on the payload with defaults applied.
type CrossCheck func(payload map[string]interface{}) *FieldError

// FieldError names one offending field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Registry holds the compiled schema for every registered action type.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	compiled *jsonschema.Schema
	defaults map[string]interface{}
	cross    []CrossCheck
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register compiles a Draft 2020-12 schema for an action type. Top-level
// property defaults declared in the schema are applied to payloads before
// validation. Registering a type twice replaces the previous schema.
func (r *Registry) Register(actionType, rawSchema string, cross ...CrossCheck) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://veract.schemas.local/actions/%s.schema.json", actionType)
	if err := c.AddResource(schemaURL, strings.NewReader(rawSchema)); err != nil {
		return fmt.Errorf("schema load failed for %s: %w", actionType, err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("schema compile failed for %s: %w", actionType, err)
	}

	defaults, err := extractDefaults(rawSchema)
	if err != nil {
		return fmt.Errorf("schema defaults for %s: %w", actionType, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[actionType] = &entry{compiled: compiled, defaults: defaults, cross: cross}
	return nil
}

// Types returns the registered action types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Known reports whether an action type has a registered schema.
func (r *Registry) Known(actionType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[actionType]
	return ok
}

// Validate checks a raw proposal against its action-type schema and returns
// the normalized payload: defaults filled in, numbers preserved exactly.
// Any error is a contracts.DomainError of type validation with the offending
// fields in its details.
func (r *Registry) Validate(actionType string, raw json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	e, ok := r.entries[actionType]
	r.mu.RUnlock()
	if !ok {
		return nil, contracts.NewDomainError(contracts.ErrorTypeValidation,
			fmt.Sprintf("unknown action type %q", actionType), nil).
			WithDetail("action_type", actionType)
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload map[string]interface{}
	if err := dec.Decode(&payload); err != nil {
		return nil, contracts.NewDomainError(contracts.ErrorTypeValidation,
			"proposal payload is not a JSON object", err)
	}

	for k, v := range e.defaults {
		if _, present := payload[k]; !present {
			payload[k] = v
		}
	}

	if err := e.compiled.Validate(payload); err != nil {
		return nil, validationError(actionType, err)
	}

	var fields []FieldError
	for _, check := range e.cross {
		if fe := check(payload); fe != nil {
			fields = append(fields, *fe)
		}
	}
	if len(fields) > 0 {
		return nil, contracts.NewDomainError(contracts.ErrorTypeValidation,
			fmt.Sprintf("proposal for %s failed cross-field checks", actionType), nil).
			WithDetail("fields", fields)
	}

	normalized, err := json.Marshal(payload)
	if err != nil {
		return nil, contracts.NewDomainError(contracts.ErrorTypeInternal,
			"normalized payload marshal failed", err)
	}
	return normalized, nil
}

// validationError flattens the library's error tree into field-level detail.
func validationError(actionType string, err error) error {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return contracts.NewDomainError(contracts.ErrorTypeValidation, err.Error(), err)
	}

	var fields []FieldError
	for _, unit := range ve.BasicOutput().Errors {
		if unit.Error == "" || strings.HasPrefix(unit.Error, "doesn't validate with") {
			continue
		}
		field := strings.TrimPrefix(unit.InstanceLocation, "/")
		if field == "" {
			field = "(root)"
		}
		fields = append(fields, FieldError{Field: field, Message: unit.Error})
	}

	return contracts.NewDomainError(contracts.ErrorTypeValidation,
		fmt.Sprintf("proposal for %s failed schema validation", actionType), nil).
		WithDetail("fields", fields)
}

// extractDefaults pulls top-level property defaults out of the raw schema
// document. Values decode with UseNumber so integer defaults survive
// round-tripping.
func extractDefaults(rawSchema string) (map[string]interface{}, error) {
	dec := json.NewDecoder(strings.NewReader(rawSchema))
	dec.UseNumber()
	var doc struct {
		Properties map[string]struct {
			Default interface{} `json:"default"`
		} `json:"properties"`
	}
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	defaults := make(map[string]interface{})
	for name, prop := range doc.Properties {
		if prop.Default != nil {
			defaults[name] = prop.Default
		}
	}
	return defaults, nil
}
