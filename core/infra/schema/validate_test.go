package schema

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestValidateSchema(t *testing.T) {
	schema := []byte(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`)
	if err := ValidateSchema("test", schema, map[string]any{"name": "ok"}); err != nil {
		t.Fatalf("expected valid schema: %v", err)
	}
	if err := ValidateSchema("test", schema, map[string]any{"nope": "bad"}); err == nil {
		t.Fatalf("expected schema validation error")
	}
}

func TestCompileErrors(t *testing.T) {
	if _, err := Compile("test", nil); err == nil {
		t.Fatalf("expected error for empty schema")
	}
	if _, err := Compile("broken", []byte(`{"type":`)); err == nil {
		t.Fatalf("expected error for malformed schema")
	}
}

func TestEngineReplyEnvelope(t *testing.T) {
	v, err := EngineReply()
	if err != nil {
		t.Fatalf("compile envelope: %v", err)
	}
	again, _ := EngineReply()
	if v != again {
		t.Fatalf("expected envelope validator to be compiled once")
	}

	cases := []struct {
		name  string
		reply string
		ok    bool
	}{
		{"success", `{"error":0,"data":{"items":[],"totalItems":0}}`, true},
		{"engine failure", `{"error":1701,"message":"Agent does not exist"}`, true},
		{"extra fields", `{"error":0,"data":"x","debug":true}`, true},
		{"missing error", `{"data":{}}`, false},
		{"string error", `{"error":"0"}`, false},
		{"fractional error", `{"error":1.5}`, false},
		{"numeric message", `{"error":1,"message":42}`, false},
		{"array", `[{"error":0}]`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(json.RawMessage(tc.reply))
			if tc.ok && err != nil {
				t.Fatalf("expected valid reply: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected invalid reply")
			}
		})
	}
}

func TestValidateErrorNamesSchema(t *testing.T) {
	v, err := EngineReply()
	if err != nil {
		t.Fatalf("compile envelope: %v", err)
	}
	err = v.Validate([]byte(`{}`))
	if err == nil || !strings.Contains(err.Error(), "engine-reply") {
		t.Fatalf("expected schema id in error, got %v", err)
	}
}

func TestNormalizeValue(t *testing.T) {
	val, err := normalizeValue(json.RawMessage(`{"k":"v","n":7}`))
	if err != nil {
		t.Fatalf("normalize raw: %v", err)
	}
	m, ok := val.(map[string]any)
	if !ok || m["k"] != "v" {
		t.Fatalf("unexpected normalized value")
	}
	if _, ok := m["n"].(json.Number); !ok {
		t.Fatalf("expected json.Number, got %T", m["n"])
	}
	if _, err := normalizeValue([]byte("{")); err == nil {
		t.Fatalf("expected error for invalid byte json")
	}
	plain := map[string]any{"a": 1}
	if got, _ := normalizeValue(plain); got.(map[string]any)["a"] != 1 {
		t.Fatalf("expected passthrough for decoded values")
	}
}

func TestSchemaIDDefault(t *testing.T) {
	if schemaID("") != "inmemory://schema" {
		t.Fatalf("unexpected default schema id")
	}
	if schemaID("x") != "inmemory://x" {
		t.Fatalf("unexpected schema id")
	}
}
