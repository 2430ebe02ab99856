package codeassist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// ErrToolNotFound is returned by Registry.Execute when no tool is registered
// under the requested name.
var ErrToolNotFound = errors.New("tool not found")

// RegistryOption configures a Registry created by NewRegistry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger used by the registry. Defaults to
// slog.Default.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// Registry holds tool definitions and their executors, resolves tool-call
// requests, and normalizes executor results into the protocol's content-list
// shape.
//
// The catalog preserves registration order, so repeated List calls return the
// same tool set in the same order. Lookup is guarded by a read-preferring
// lock; the lock is never held across an executor run.
type Registry struct {
	mu        sync.RWMutex
	order     []string
	tools     map[string]Tool
	executors map[string]ToolExecutor

	logger *slog.Logger
}

// NewRegistry returns an empty registry. Use NewDefaultRegistry for one
// preloaded with the AI code-assistance tools.
func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		tools:     make(map[string]Tool),
		executors: make(map[string]ToolExecutor),
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	r.logger = r.logger.With("component", "tool-registry")
	return r
}

// Register adds a tool and its executor to the catalog. Registering an
// existing name replaces the tool in place without changing its position.
func (r *Registry) Register(tool Tool, executor ToolExecutor) {
	r.mu.Lock()
	if _, ok := r.tools[tool.Name]; !ok {
		r.order = append(r.order, tool.Name)
	}
	r.tools[tool.Name] = tool
	r.executors[tool.Name] = executor
	r.mu.Unlock()

	r.logger.Info("registered tool", "tool", tool.Name)
}

// Remove deletes a tool from the catalog, reporting whether it was
// registered.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	_, ok := r.tools[name]
	if ok {
		delete(r.tools, name)
		delete(r.executors, name)
		if i := slices.Index(r.order, name); i >= 0 {
			r.order = slices.Delete(r.order, i, i+1)
		}
	}
	r.mu.Unlock()

	if ok {
		r.logger.Info("removed tool", "tool", name)
	}
	return ok
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Has reports whether a tool is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// List returns all registered tools in registration order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.tools[name])
	}
	return tools
}

// Names returns all registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Clear removes every tool from the catalog.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.order = nil
	r.tools = make(map[string]Tool)
	r.executors = make(map[string]ToolExecutor)
	r.mu.Unlock()

	r.logger.Info("cleared all tools")
}

// Execute resolves name to its executor, runs it with the given arguments,
// and normalizes the result. It returns an error wrapping ErrToolNotFound
// when the name is unknown, or the executor's own error when the run fails.
// The catalog lock is released before the executor runs, so slow tools never
// block catalog reads or other executions.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (CallToolResult, error) {
	r.mu.RLock()
	executor, ok := r.executors[name]
	r.mu.RUnlock()

	if !ok {
		return CallToolResult{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	r.logger.Debug("executing tool", "tool", name)
	out, err := executor.Execute(ctx, args)
	if err != nil {
		r.logger.Error("tool execution failed", "tool", name, "err", err)
		return CallToolResult{}, fmt.Errorf("execute tool %s: %w", name, err)
	}

	return normalizeToolResult(out), nil
}

// normalizeToolResult coerces an executor return value into the protocol's
// content-list shape: strings become a single text block, content slices are
// wrapped as-is, and ready-made results pass through unchanged. Anything else
// is formatted as text.
func normalizeToolResult(out any) CallToolResult {
	switch v := out.(type) {
	case CallToolResult:
		return v
	case *CallToolResult:
		return *v
	case string:
		return CallToolResult{Content: []Content{{Type: ContentTypeText, Text: v}}}
	case Content:
		return CallToolResult{Content: []Content{v}}
	case []Content:
		return CallToolResult{Content: v}
	default:
		return CallToolResult{Content: []Content{{Type: ContentTypeText, Text: fmt.Sprintf("%v", v)}}}
	}
}
