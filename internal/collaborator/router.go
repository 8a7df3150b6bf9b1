package collaborator

import (
	"context"

	"github.com/planguard/control-plane/pkg/models"
)

// ToolInvoker executes operations backed by registered tool providers.
type ToolInvoker interface {
	Handles(op string) bool
	Execute(ctx context.Context, step models.Step, stepCtx map[string]interface{}) (*ExecutionOutput, error)
}

// Router picks an executor per step: a provider tool if one owns the
// operation, else the remote executor when configured, else local.
type Router struct {
	tools  ToolInvoker
	remote Executor
	local  Executor
}

// NewRouter builds a Router. tools and remote may be nil.
func NewRouter(tools ToolInvoker, remote Executor, local Executor) *Router {
	if local == nil {
		local = NewLocalExecutor()
	}
	return &Router{tools: tools, remote: remote, local: local}
}

func (r *Router) Execute(ctx context.Context, step models.Step, stepCtx map[string]interface{}) (*ExecutionOutput, error) {
	switch {
	case r.tools != nil && r.tools.Handles(step.Op):
		return r.tools.Execute(ctx, step, stepCtx)
	case r.remote != nil:
		return r.remote.Execute(ctx, step, stepCtx)
	default:
		return r.local.Execute(ctx, step, stepCtx)
	}
}
