package tools

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/RedClaus/codepilot/internal/llm"
)

// Registry holds the tools available to the agent.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering the same name twice is an error.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names, sorted.
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

// Definitions flattens every tool operation into an LLM tool definition.
// Operation names are encoded as "tool_operation"; ParseCallName reverses
// the encoding.
func (r *Registry) Definitions() []llm.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var defs []llm.ToolDef
	for _, name := range r.namesLocked() {
		tool := r.tools[name]
		for _, op := range tool.Operations() {
			defs = append(defs, llm.ToolDef{
				Name:        CallName(name, op.Name),
				Description: op.Description,
				Parameters:  paramSchema(op.Params),
			})
		}
	}
	return defs
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CallName encodes a tool and operation as one model-facing name.
func CallName(tool, operation string) string {
	return tool + "_" + operation
}

// ParseCallName splits a model-facing call name back into tool and
// operation. Tool names never contain underscores; operations may.
func ParseCallName(name string) (tool, operation string, ok bool) {
	parts := strings.SplitN(name, "_", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// paramSchema renders ParamSpecs as a JSON Schema object for tool defs.
func paramSchema(params []ParamSpec) map[string]interface{} {
	properties := make(map[string]interface{}, len(params))
	var required []string
	for _, p := range params {
		properties[p.Name] = map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
