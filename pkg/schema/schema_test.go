package schema

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stewardlabs/veract/pkg/contracts"
)

const reportSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["period", "report_kind"],
  "additionalProperties": false,
  "properties": {
    "period": {"type": "string", "pattern": "^[0-9]{4}-(0[1-9]|1[0-2])$"},
    "report_kind": {"type": "string", "enum": ["billing", "usage", "compliance"]},
    "classification": {"type": "string", "enum": ["public", "internal", "confidential", "regulated"], "default": "internal"},
    "store_evidence": {"type": "boolean", "default": true}
  }
}`

const ingestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["source_uri"],
  "additionalProperties": false,
  "properties": {
    "source_uri": {"type": "string", "minLength": 1},
    "source_checksum": {"type": "string"},
    "classification": {"type": "string", "enum": ["public", "internal", "confidential", "regulated"], "default": "internal"},
    "chunk_size": {"type": "integer", "minimum": 100, "maximum": 4000, "default": 1200},
    "chunk_overlap": {"type": "integer", "minimum": 0, "maximum": 1000, "default": 100},
    "store_evidence": {"type": "boolean", "default": true}
  }
}`

func overlapBelowSize(payload map[string]interface{}) *FieldError {
	size, _ := payload["chunk_size"].(json.Number)
	overlap, _ := payload["chunk_overlap"].(json.Number)
	s, _ := size.Int64()
	o, _ := overlap.Int64()
	if o >= s {
		return &FieldError{Field: "chunk_overlap", Message: "must be smaller than chunk_size"}
	}
	return nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	if err := r.Register("report.generate", reportSchema); err != nil {
		t.Fatalf("register report schema: %v", err)
	}
	if err := r.Register("knowledge.ingest", ingestSchema, overlapBelowSize); err != nil {
		t.Fatalf("register ingest schema: %v", err)
	}
	return r
}

func TestValidateAppliesDefaults(t *testing.T) {
	r := newTestRegistry(t)

	normalized, err := r.Validate("report.generate", json.RawMessage(`{"period":"2026-01","report_kind":"billing"}`))
	if err != nil {
		t.Fatalf("expected valid proposal, got %v", err)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(normalized, &payload); err != nil {
		t.Fatalf("unmarshal normalized: %v", err)
	}
	if payload["store_evidence"] != true {
		t.Fatalf("expected store_evidence default true, got %v", payload["store_evidence"])
	}
	if payload["classification"] != "internal" {
		t.Fatalf("expected classification default internal, got %v", payload["classification"])
	}
}

func TestValidatePreservesIntegerDefaults(t *testing.T) {
	r := newTestRegistry(t)

	normalized, err := r.Validate("knowledge.ingest", json.RawMessage(`{"source_uri":"s3://docs/handbook.pdf"}`))
	if err != nil {
		t.Fatalf("expected valid proposal, got %v", err)
	}
	if !strings.Contains(string(normalized), `"chunk_size":1200`) {
		t.Fatalf("expected chunk_size 1200 in %s", normalized)
	}
	if !strings.Contains(string(normalized), `"chunk_overlap":100`) {
		t.Fatalf("expected chunk_overlap 100 in %s", normalized)
	}
}

func TestValidateMissingRequiredField(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Validate("report.generate", json.RawMessage(`{"report_kind":"billing"}`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	var de *contracts.DomainError
	if !errors.As(err, &de) || de.Type != contracts.ErrorTypeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if de.Details["fields"] == nil {
		t.Fatal("expected field detail on validation error")
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	r := newTestRegistry(t)

	cases := []string{
		`{"source_uri":"s3://x","chunk_size":50}`,
		`{"source_uri":"s3://x","chunk_size":9000}`,
		`{"source_uri":"s3://x","chunk_overlap":2000}`,
		`{"source_uri":""}`,
	}
	for _, raw := range cases {
		if _, err := r.Validate("knowledge.ingest", json.RawMessage(raw)); err == nil {
			t.Errorf("expected rejection for %s", raw)
		}
	}
}

func TestValidateCrossFieldConstraint(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Validate("knowledge.ingest", json.RawMessage(`{"source_uri":"s3://x","chunk_size":200,"chunk_overlap":200}`))
	if err == nil {
		t.Fatal("expected cross-field rejection when overlap == size")
	}
	var de *contracts.DomainError
	if !errors.As(err, &de) || de.Type != contracts.ErrorTypeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}

	// Overlap strictly below size passes.
	if _, err := r.Validate("knowledge.ingest", json.RawMessage(`{"source_uri":"s3://x","chunk_size":200,"chunk_overlap":199}`)); err != nil {
		t.Fatalf("expected overlap below size to pass, got %v", err)
	}
}

func TestValidateUnknownActionType(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Validate("dns.update", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected unknown type rejection")
	}
	var de *contracts.DomainError
	if !errors.As(err, &de) || de.Type != contracts.ErrorTypeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidateRejectsNonObjectPayload(t *testing.T) {
	r := newTestRegistry(t)

	for _, raw := range []string{`[1,2]`, `"text"`, `42`} {
		if _, err := r.Validate("report.generate", json.RawMessage(raw)); err == nil {
			t.Errorf("expected rejection for payload %s", raw)
		}
	}
}

func TestValidateRejectsUnknownFields(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Validate("report.generate", json.RawMessage(`{"period":"2026-01","report_kind":"billing","surprise":1}`))
	if err == nil {
		t.Fatal("expected additionalProperties rejection")
	}
}

func TestRegistryTypes(t *testing.T) {
	r := newTestRegistry(t)

	types := r.Types()
	if len(types) != 2 || types[0] != "knowledge.ingest" || types[1] != "report.generate" {
		t.Fatalf("unexpected types: %v", types)
	}
	if !r.Known("report.generate") || r.Known("dns.update") {
		t.Fatal("Known() misreported registration state")
	}
}
