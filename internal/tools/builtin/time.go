// Package builtin ships small demonstration tools the gateway registers by
// default. They exercise the registry and executor; production deployments
// register their own tools alongside or instead of these.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"
)

// TimeArgs are the arguments for the get_time tool.
type TimeArgs struct {
	// Timezone is an IANA zone name like "Europe/Berlin". Defaults to UTC.
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name; defaults to UTC"`

	// Format is a Go reference-time layout. Defaults to RFC 3339.
	Format string `json:"format,omitempty" jsonschema:"description=Go time layout; defaults to RFC 3339"`
}

// TimeTool reports the current time.
type TimeTool struct {
	// Now is the clock; tests override it.
	Now func() time.Time
}

// NewTimeTool returns a tool backed by the wall clock.
func NewTimeTool() *TimeTool {
	return &TimeTool{Now: time.Now}
}

func (t *TimeTool) Name() string { return "get_time" }

func (t *TimeTool) Description() string {
	return "Returns the current time, optionally in a given timezone and format."
}

func (t *TimeTool) Schema() json.RawMessage {
	return reflectSchema(&TimeArgs{})
}

func (t *TimeTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var parsed TimeArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &parsed); err != nil {
			return "", fmt.Errorf("decode arguments: %w", err)
		}
	}

	now := t.Now()
	if parsed.Timezone != "" {
		loc, err := time.LoadLocation(parsed.Timezone)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", parsed.Timezone)
		}
		now = now.In(loc)
	} else {
		now = now.UTC()
	}

	layout := parsed.Format
	if layout == "" {
		layout = time.RFC3339
	}
	return now.Format(layout), nil
}

// reflectSchema derives a JSON schema from a Go argument struct.
func reflectSchema(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	schema := r.Reflect(v)
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}
