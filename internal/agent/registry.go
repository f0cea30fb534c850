package agent

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/quoroom-dev/quoroom/pkg/models"
)

// ToolRegistry holds the set of Tools an Executor may dispatch to by
// name. One registry is built per worker so Queen-only tools (create_worker,
// configure_room) never surface in a regular worker's envelope.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry returns an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool under its own Name().
func (r *ToolRegistry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Unregister removes a tool, if present.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the tool registered under name, or nil if none.
func (r *ToolRegistry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has reports whether a tool is registered under name.
func (r *ToolRegistry) Has(name string) bool {
	return r.Get(name) != nil
}

// List returns every registered tool, sorted by name for deterministic
// tool-schema ordering in the completion request.
func (r *ToolRegistry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Schemas returns the provider-facing Tool slice (name/description/schema)
// for every registered tool, ready to attach to a CompletionRequest.
func (r *ToolRegistry) Schemas() []Tool {
	return r.List()
}

// Execute looks up name and runs it with params, returning ErrToolNotFound
// if nothing is registered under that name.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params json.RawMessage) (*ToolResult, error) {
	t := r.Get(name)
	if t == nil {
		return nil, NewToolError(name, ErrToolNotFound).WithKind(models.KindInvalidInput)
	}
	return t.Execute(ctx, params)
}
