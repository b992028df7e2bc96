package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/haasonsaas/relay/pkg/models"
)

type stubTool struct {
	name   string
	schema string
	result string
	err    error
}

func (s *stubTool) Name() string               { return s.name }
func (s *stubTool) Description() string        { return "stub" }
func (s *stubTool) Schema() json.RawMessage    { return json.RawMessage(s.schema) }
func (s *stubTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return s.result, s.err
}

func echoSchema() string {
	return `{"type":"object","properties":{"text":{"type":"string"}},"required":["text"],"additionalProperties":false}`
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubTool{name: "echo", schema: echoSchema(), result: "ok"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if !r.Has("echo") {
		t.Error("Has(echo) = false")
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) must not resolve")
	}
	if names := r.Names(); len(names) != 1 || names[0] != "echo" {
		t.Errorf("Names() = %v", names)
	}

	r.Unregister("echo")
	if r.Has("echo") {
		t.Error("tool still present after Unregister")
	}
}

func TestRegistryRejectsBadSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&stubTool{name: "broken", schema: `{"type": nope}`})
	if err == nil {
		t.Fatal("expected schema compile error")
	}
}

func TestRegistryValidate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubTool{name: "echo", schema: echoSchema()}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		tool    string
		args    string
		wantErr string
	}{
		{"valid", "echo", `{"text":"hi"}`, ""},
		{"missing required", "echo", `{}`, "invalid"},
		{"wrong type", "echo", `{"text":7}`, "invalid"},
		{"extra property", "echo", `{"text":"hi","x":1}`, "invalid"},
		{"not json", "echo", `{"text":`, "not valid JSON"},
		{"unknown tool", "nope", `{}`, "tool not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Validate(tt.tool, json.RawMessage(tt.args))
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestRegistrySpecsSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(&stubTool{name: name, schema: `{"type":"object"}`}); err != nil {
			t.Fatal(err)
		}
	}

	specs := r.Specs()
	if len(specs) != 3 {
		t.Fatalf("Specs() len = %d", len(specs))
	}
	for i, want := range []string{"alpha", "mid", "zeta"} {
		if specs[i].Function.Name != want {
			t.Errorf("specs[%d] = %q, want %q", i, specs[i].Function.Name, want)
		}
		if specs[i].Type != "function" {
			t.Errorf("specs[%d].Type = %q", i, specs[i].Type)
		}
	}
}

func TestRegistryExpand(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubTool{name: "echo", schema: echoSchema()}); err != nil {
		t.Fatal(err)
	}

	inline := &models.ToolSpec{
		Type:     "function",
		Function: models.ToolFunctionSpec{Name: "inline_tool"},
	}

	specs, err := r.Expand([]models.ToolSelector{
		{Name: "echo"},
		{Spec: inline},
	})
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("Expand() len = %d", len(specs))
	}
	if specs[0].Function.Name != "echo" || specs[1].Function.Name != "inline_tool" {
		t.Errorf("Expand() = %+v", specs)
	}

	if _, err := r.Expand([]models.ToolSelector{{Name: "missing"}}); err == nil {
		t.Error("Expand() must fail for unregistered bare names")
	}

	if specs, err := r.Expand(nil); err != nil || specs != nil {
		t.Errorf("Expand(nil) = %v, %v", specs, err)
	}
}

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubTool{name: "echo", schema: echoSchema(), result: "done"}); err != nil {
		t.Fatal(err)
	}

	out, err := r.Execute(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out != "done" {
		t.Errorf("Execute() = %q", out)
	}

	if _, err := r.Execute(context.Background(), "echo", json.RawMessage(`{}`)); err == nil {
		t.Error("Execute() must validate arguments")
	}
	if _, err := r.Execute(context.Background(), "missing", nil); err == nil {
		t.Error("Execute() must fail for unknown tools")
	}
}
