// Package tools implements the agent runtime's tool framework: a
// parameter-typed Tool with JSON-Schema emission in the generic, OpenAI,
// and Anthropic shapes, a Registry, and the built-in tools every
// agent starts with (web search, file I/O, shell, HTTP, calculator).
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/apexrun/agentruntime/apexerr"
)

// Result is the outcome of executing a tool.
type Result struct {
	Success  bool
	Output   string
	Error    string
	Metadata map[string]interface{}
}

// Error is an error type carrying the name of the tool that failed.
// Execute does not construct it: tool failures are reported as a failed
// Result rather than as a Go error.
type Error struct {
	ToolName string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("tool %q: %s", e.ToolName, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Parameter describes one argument a tool accepts.
type Parameter struct {
	Name        string
	Type        string // "string", "number", "boolean", "array", "object", "integer"
	Description string
	Required    bool
	Enum        []string
	Default     interface{}
}

// Schema renders the parameter as a JSON Schema property.
func (p Parameter) Schema() map[string]interface{} {
	schema := map[string]interface{}{
		"type":        p.Type,
		"description": p.Description,
	}
	if len(p.Enum) > 0 {
		schema["enum"] = p.Enum
	}
	return schema
}

// Func is a tool's implementation, given its named arguments and
// returning a plain text result or an error.
type Func func(ctx context.Context, args map[string]interface{}) (string, error)

// Tool is a named, described, schema-emitting capability an agent can
// invoke.
type Tool struct {
	Name        string
	Description string
	Parameters  []Parameter
	Run         Func
}

func (t *Tool) parametersSchema() map[string]interface{} {
	properties := make(map[string]interface{}, len(t.Parameters))
	var required []string
	for _, p := range t.Parameters {
		properties[p.Name] = p.Schema()
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

// Schema renders the tool in the provider-neutral shape.
func (t *Tool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"name":        t.Name,
		"description": t.Description,
		"parameters":  t.parametersSchema(),
	}
}

// OpenAISchema renders the tool as an OpenAI function-calling tool entry.
func (t *Tool) OpenAISchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "function",
		"function": map[string]interface{}{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.parametersSchema(),
		},
	}
}

// AnthropicSchema renders the tool as an Anthropic tool-use entry.
func (t *Tool) AnthropicSchema() map[string]interface{} {
	return map[string]interface{}{
		"name":         t.Name,
		"description":  t.Description,
		"input_schema": t.parametersSchema(),
	}
}

// Execute runs the tool, converting a panic or returned error into a
// failed Result rather than propagating it.
func (t *Tool) Execute(ctx context.Context, args map[string]interface{}) (result Result) {
	if t.Run == nil {
		return Result{Success: false, Error: fmt.Sprintf("tool %s has no implementation", t.Name)}
	}

	defer func() {
		if r := recover(); r != nil {
			result = Result{Success: false, Error: fmt.Sprintf("%v", r)}
		}
	}()

	out, err := t.Run(ctx, args)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	return Result{Success: true, Output: out}
}

// Registry holds the tools available to an agent.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Register adds a tool, failing if the name is already taken.
func (r *Registry) Register(t *Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return apexerr.New("Registry.Register", apexerr.KindConfiguration,
			fmt.Errorf("%w: %s", apexerr.ErrToolRegistered, t.Name))
	}
	r.tools[t.Name] = t
	return nil
}

// Get returns a tool by name, or nil if not registered.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// All returns every registered tool, sorted by name for determinism.
func (r *Registry) All() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*Tool, 0, len(names))
	for _, n := range names {
		out = append(out, r.tools[n])
	}
	return out
}

// Names returns every registered tool name, sorted.
func (r *Registry) Names() []string {
	all := r.All()
	out := make([]string, 0, len(all))
	for _, t := range all {
		out = append(out, t.Name)
	}
	return out
}

// Subset returns the registered tools named in names, skipping any not
// registered.
func (r *Registry) Subset(names []string) []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(names))
	for _, n := range names {
		if t, ok := r.tools[n]; ok {
			out = append(out, t)
		}
	}
	return out
}

// SchemaFormat selects which wire shape Schemas renders.
type SchemaFormat string

const (
	SchemaGeneric   SchemaFormat = "generic"
	SchemaOpenAI    SchemaFormat = "openai"
	SchemaAnthropic SchemaFormat = "anthropic"
)

// Schemas renders every registered tool in the requested format.
func (r *Registry) Schemas(format SchemaFormat) []map[string]interface{} {
	all := r.All()
	out := make([]map[string]interface{}, 0, len(all))
	for _, t := range all {
		switch format {
		case SchemaOpenAI:
			out = append(out, t.OpenAISchema())
		case SchemaAnthropic:
			out = append(out, t.AnthropicSchema())
		default:
			out = append(out, t.Schema())
		}
	}
	return out
}

// Execute runs a registered tool by name, returning a not-found Result
// rather than an error if it isn't registered.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) Result {
	t := r.Get(name)
	if t == nil {
		return Result{Success: false, Error: fmt.Sprintf("tool not found: %s", name)}
	}
	return t.Execute(ctx, args)
}
