// Package tools defines the tool abstraction the orchestrator executes and a
// registry that validates arguments against each tool's JSON schema.
package tools

import (
	"context"
	"encoding/json"
)

// Tool is a callable the model can invoke during a turn. Execute receives
// the raw arguments JSON exactly as assembled from the provider stream;
// implementations decode it themselves.
type Tool interface {
	// Name returns the unique tool name.
	Name() string

	// Description returns the natural-language description sent upstream.
	Description() string

	// Schema returns the JSON Schema for the tool's arguments object.
	Schema() json.RawMessage

	// Execute runs the tool. A returned error marks the output as failed;
	// it never fails the turn.
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Argument limits guarding against resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolArgsSize is the maximum size of tool arguments JSON (10MB).
	MaxToolArgsSize = 10 << 20
)
