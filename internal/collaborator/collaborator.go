// Package collaborator defines the boundary to the external planner and
// executor services.
//
// Everything a collaborator returns is untrusted. Planner output is parsed
// into strict []models.Step values by ParsePlannerOutput before it reaches
// the policy engine; executor output is parsed by ParseExecutorOutput.
package collaborator

import (
	"context"
	"errors"

	"github.com/planguard/control-plane/pkg/models"
)

var (
	// ErrMalformedOutput means a collaborator replied with something that
	// does not fit the expected shape.
	ErrMalformedOutput = errors.New("malformed collaborator output")
	// ErrUnavailable means the collaborator could not be reached or replied
	// with a non-success status.
	ErrUnavailable = errors.New("collaborator unavailable")
)

// PlanRequest is the planner input.
type PlanRequest struct {
	Prompt  string               `json:"prompt"`
	Context []models.ContextItem `json:"context"`
}

// PlanResult is validated planner output.
type PlanResult struct {
	Steps      []models.Step `json:"steps"`
	Confidence float64       `json:"confidence"`
}

// Planner turns a prompt into a candidate plan.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (*PlanResult, error)
}

// ProducedEntity is a content item returned by an executor. Capability tags
// are never taken from the executor; the engine derives them.
type ProducedEntity struct {
	ID        string                 `json:"id,omitempty"`
	Content   string                 `json:"content"`
	Embedding []float64              `json:"embedding,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ExecutionOutput is validated executor output for one step.
type ExecutionOutput struct {
	Result   interface{}      `json:"result"`
	Entities []ProducedEntity `json:"entities,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Executor performs one authorized step.
type Executor interface {
	Execute(ctx context.Context, step models.Step, stepCtx map[string]interface{}) (*ExecutionOutput, error)
}
