// Package tools dispatches tool calls to named backends.
//
// Backends live in subpackages: cypher expands CI neighbourhoods in a graph
// database and sqlhistory reads CI event history from SQLite.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/opsquery/pkg/domain"
	"github.com/aescanero/opsquery/pkg/ports"
	"go.uber.org/zap"
)

// Registry implements ports.ToolExecutor by dispatching on ToolCall.Tool
type Registry struct {
	tools  map[string]ports.ToolExecutor
	logger *zap.Logger
	mu     sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:  make(map[string]ports.ToolExecutor),
		logger: logger,
	}
}

// Register adds or replaces the backend for name
func (r *Registry) Register(name string, tool ports.ToolExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tools[name] = tool
	r.logger.Info("tool registered", zap.String("tool", name))
}

// Names returns the registered tool names in sorted order
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

// Lookup returns the backend for name
func (r *Registry) Lookup(name string) (ports.ToolExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	return tool, ok
}

// Execute runs call on its backend. An unknown tool is a final failure, not
// an error, so it is not retried.
func (r *Registry) Execute(ctx context.Context, call domain.ToolCall) (domain.ToolResult, error) {
	name := call.Tool
	if name == "" {
		name = call.ToolID
	}

	tool, ok := r.Lookup(name)
	if !ok {
		err := fmt.Errorf("%w: %s", domain.ErrToolNotRegistered, name)
		r.logger.Warn("tool call rejected",
			zap.String("tool_id", call.ToolID),
			zap.String("trace_id", call.Context.TraceID),
			zap.Error(err))
		return domain.ToolResult{Success: false, Error: err.Error()}, nil
	}

	return tool.Execute(ctx, call)
}

// Echo returns a tool that succeeds with its params as data
func Echo() ports.ToolExecutor {
	return ports.ToolExecutorFunc(func(ctx context.Context, call domain.ToolCall) (domain.ToolResult, error) {
		return domain.ToolResult{Success: true, Data: call.Params}, nil
	})
}

// Static returns a tool that always succeeds with data
func Static(data any) ports.ToolExecutor {
	return ports.ToolExecutorFunc(func(ctx context.Context, call domain.ToolCall) (domain.ToolResult, error) {
		return domain.ToolResult{Success: true, Data: data}, nil
	})
}
