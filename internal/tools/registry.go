package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/relay/pkg/models"
)

// Registry manages available tools with thread-safe registration and lookup.
// Schemas are compiled once at registration so per-call validation is cheap.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	compiled map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry ready for tool registration.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool to the registry, compiling its schema. A tool with
// the same name replaces the previous registration.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("tool name %q exceeds %d characters", name[:32], MaxToolNameLength)
	}

	schema := tool.Schema()
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(schema))
	if err != nil {
		return fmt.Errorf("compile schema for tool %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
	r.compiled[name] = compiled
	return nil
}

// Unregister removes a tool from the registry by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.compiled, name)
}

// Get returns a tool by name and whether it was found.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Has reports whether a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks arguments JSON against the registered schema for name.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	if len(args) > MaxToolArgsSize {
		return fmt.Errorf("tool arguments exceed %d bytes", MaxToolArgsSize)
	}

	r.mu.RLock()
	compiled, ok := r.compiled[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tool not found: %s", name)
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("tool arguments are not valid JSON: %w", err)
	}
	if err := compiled.Validate(decoded); err != nil {
		return fmt.Errorf("tool arguments invalid: %w", err)
	}
	return nil
}

// Spec returns the wire specification for one registered tool.
func (r *Registry) Spec(name string) (models.ToolSpec, bool) {
	tool, ok := r.Get(name)
	if !ok {
		return models.ToolSpec{}, false
	}
	return toSpec(tool), true
}

// Specs returns wire specifications for all registered tools, sorted by name.
func (r *Registry) Specs() []models.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]models.ToolSpec, 0, len(r.tools))
	for _, tool := range r.tools {
		specs = append(specs, toSpec(tool))
	}
	sort.Slice(specs, func(i, j int) bool {
		return specs[i].Function.Name < specs[j].Function.Name
	})
	return specs
}

// Expand resolves a request's tool selectors to full wire specifications.
// Bare names must be registered; inline specifications pass through as-is.
func (r *Registry) Expand(selectors []models.ToolSelector) ([]models.ToolSpec, error) {
	if len(selectors) == 0 {
		return nil, nil
	}
	specs := make([]models.ToolSpec, 0, len(selectors))
	for _, sel := range selectors {
		if sel.Spec != nil {
			specs = append(specs, *sel.Spec)
			continue
		}
		spec, ok := r.Spec(sel.Name)
		if !ok {
			return nil, fmt.Errorf("tool not found: %s", sel.Name)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Execute validates the arguments and runs the tool by name.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	tool, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("tool not found: %s", name)
	}
	if err := r.Validate(name, args); err != nil {
		return "", err
	}
	return tool.Execute(ctx, args)
}

func toSpec(tool Tool) models.ToolSpec {
	schema := tool.Schema()
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	return models.ToolSpec{
		Type: "function",
		Function: models.ToolFunctionSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  schema,
		},
	}
}
