package builtin

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestTimeTool(t *testing.T) {
	fixed := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	tool := &TimeTool{Now: func() time.Time { return fixed }}

	tests := []struct {
		name string
		args string
		want string
	}{
		{"default utc rfc3339", `{}`, "2025-03-14T09:26:53Z"},
		{"custom format", `{"format":"2006-01-02"}`, "2025-03-14"},
		{"timezone", `{"timezone":"America/New_York","format":"15:04"}`, "05:26"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tool.Execute(context.Background(), json.RawMessage(tt.args))
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Execute() = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"timezone":"Mars/Olympus"}`)); err == nil {
		t.Error("expected error for unknown timezone")
	}
}

func TestTimeToolSchema(t *testing.T) {
	tool := NewTimeTool()
	var schema map[string]any
	if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("schema has no properties: %v", schema)
	}
	if _, ok := props["timezone"]; !ok {
		t.Error("schema missing timezone property")
	}
}

func TestCalculateTool(t *testing.T) {
	tool := NewCalculateTool()

	tests := []struct {
		name string
		expr string
		want string
	}{
		{"addition", "1+2", "3"},
		{"precedence", "2+3*4", "14"},
		{"parentheses", "(2+3)*4", "20"},
		{"division", "10/4", "2.5"},
		{"negation", "-3+5", "2"},
		{"nested negation", "-(2*3)", "-6"},
		{"whitespace", " 7 * ( 1 + 1 ) ", "14"},
		{"decimal", "1.5*2", "3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, _ := json.Marshal(CalculateArgs{Expression: tt.expr})
			got, err := tool.Execute(context.Background(), args)
			if err != nil {
				t.Fatalf("Execute(%q) error = %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("Execute(%q) = %q, want %q", tt.expr, got, tt.want)
			}
		})
	}
}

func TestCalculateToolErrors(t *testing.T) {
	tool := NewCalculateTool()

	tests := []struct {
		name    string
		expr    string
		wantErr string
	}{
		{"empty", "", "required"},
		{"division by zero", "1/0", "division by zero"},
		{"dangling operator", "1+", "expected number"},
		{"unbalanced parens", "(1+2", "parenthesis"},
		{"trailing garbage", "1+2)", "unexpected input"},
		{"letters", "two+2", "expected number"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, _ := json.Marshal(CalculateArgs{Expression: tt.expr})
			_, err := tool.Execute(context.Background(), args)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Execute(%q) error = %v, want substring %q", tt.expr, err, tt.wantErr)
			}
		})
	}
}
