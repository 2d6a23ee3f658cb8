package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowgrid/flowgrid/model"
)

// AgentInvoker is the consumed capability for one agent call. The provider
// gateway behind it is an external collaborator; the core only depends on
// this contract.
type AgentInvoker interface {
	Invoke(ctx context.Context, agentId string, input any) (any, *model.UsageRecord, error)
}

type AgentInvokerFunc func(ctx context.Context, agentId string, input any) (any, *model.UsageRecord, error)

func (f AgentInvokerFunc) Invoke(ctx context.Context, agentId string, input any) (any, *model.UsageRecord, error) {
	return f(ctx, agentId, input)
}

// ToolInvoker is the consumed capability for one tool call.
type ToolInvoker interface {
	Invoke(ctx context.Context, toolName string, input any) (any, error)
}

type ToolInvokerFunc func(ctx context.Context, toolName string, input any) (any, error)

func (f ToolInvokerFunc) Invoke(ctx context.Context, toolName string, input any) (any, error) {
	return f(ctx, toolName, input)
}

// TransformFunc is a pure mapping applied to resolved input without going
// through the pipeline.
type TransformFunc func(ctx context.Context, input any) (any, error)

// Registry holds the invocation capabilities steps bind to at build time.
type Registry struct {
	mu         sync.RWMutex
	agents     map[string]AgentInvoker
	tools      map[string]ToolInvoker
	transforms map[string]TransformFunc
}

func NewRegistry() *Registry {
	return &Registry{
		agents:     make(map[string]AgentInvoker),
		tools:      make(map[string]ToolInvoker),
		transforms: make(map[string]TransformFunc),
	}
}

func (r *Registry) RegisterAgent(agentId string, invoker AgentInvoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agentId] = invoker
}

func (r *Registry) RegisterTool(toolName string, invoker ToolInvoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[toolName] = invoker
}

func (r *Registry) RegisterTransform(name string, fn TransformFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transforms[name] = fn
}

func (r *Registry) GetAgent(agentId string) (AgentInvoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	invoker, ok := r.agents[agentId]
	if !ok {
		return nil, fmt.Errorf("agent %s not registered", agentId)
	}
	return invoker, nil
}

func (r *Registry) GetTool(toolName string) (ToolInvoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	invoker, ok := r.tools[toolName]
	if !ok {
		return nil, fmt.Errorf("tool %s not registered", toolName)
	}
	return invoker, nil
}

func (r *Registry) GetTransform(name string) (TransformFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.transforms[name]
	if !ok {
		return nil, fmt.Errorf("transform %s not registered", name)
	}
	return fn, nil
}
