package haven

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestCompileSchemaRejectsBadDocuments(t *testing.T) {
	if _, err := compileSchema(json.RawMessage(`{"type":`)); err == nil {
		t.Error("compileSchema accepted truncated JSON")
	}
	if _, err := compileSchema(json.RawMessage(`{"type":"not-a-type"}`)); err == nil {
		t.Error("compileSchema accepted an invalid type keyword")
	}
}

func TestValidateJSON(t *testing.T) {
	schema, err := compileSchema(json.RawMessage(`{
		"type": "object",
		"properties": {
			"city": {"type": "string"},
			"days": {"type": "integer", "minimum": 1}
		},
		"required": ["city"]
	}`))
	if err != nil {
		t.Fatal(err)
	}

	if err := validateJSON(schema, json.RawMessage(`{"city":"Paris","days":3}`)); err != nil {
		t.Errorf("valid document rejected: %v", err)
	}
	if err := validateJSON(schema, json.RawMessage(`{"days":3}`)); err == nil {
		t.Error("missing required property accepted")
	}
	if err := validateJSON(schema, json.RawMessage(`{"city":"Paris","days":0}`)); err == nil {
		t.Error("minimum violation accepted")
	}
	if err := validateJSON(schema, json.RawMessage(`{"city":`)); err == nil {
		t.Error("malformed JSON accepted")
	} else if !strings.Contains(err.Error(), "invalid JSON") {
		t.Errorf("malformed JSON error = %v, want it marked as invalid JSON", err)
	}
}

func TestValidateJSONEmptyDocument(t *testing.T) {
	schema, err := compileSchema(json.RawMessage(`{"type":"object"}`))
	if err != nil {
		t.Fatal(err)
	}
	// Empty arguments are treated as the empty object.
	if err := validateJSON(schema, nil); err != nil {
		t.Errorf("empty document rejected: %v", err)
	}

	required, err := compileSchema(json.RawMessage(`{"type":"object","required":["city"]}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := validateJSON(required, nil); err == nil {
		t.Error("empty document satisfied a required property")
	}
}

func TestValidateJSONNilSchema(t *testing.T) {
	if err := validateJSON(nil, json.RawMessage(`{"anything":true}`)); err != nil {
		t.Errorf("nil schema must accept any valid JSON, got %v", err)
	}
	if err := validateJSON(nil, json.RawMessage(`{"broken":`)); err == nil {
		t.Error("nil schema accepted malformed JSON")
	}
}
