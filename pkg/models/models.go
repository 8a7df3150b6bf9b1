package models

import (
	"encoding/json"
	"sort"
	"time"
)

// ── Capability ───────────────────────────────────────────────

type CapabilityKind string

const (
	// ToolCap authorizes a side-effecting action (sending email, writing a file).
	ToolCap CapabilityKind = "ToolCap"
	// DataCap authorizes handling data that carries a sensitivity/sharing tag.
	DataCap CapabilityKind = "DataCap"
)

// Valid reports whether k is one of the two known kinds.
func (k CapabilityKind) Valid() bool {
	return k == ToolCap || k == DataCap
}

type Capability struct {
	ID          string                 `json:"id" yaml:"id" db:"id"`
	Kind        CapabilityKind         `json:"kind" yaml:"kind" db:"kind"`
	Scope       string                 `json:"scope" yaml:"scope" db:"scope"`
	Description string                 `json:"description" yaml:"description" db:"description"`
	IsSystem    bool                   `json:"is_system" yaml:"-" db:"is_system"`
	Metadata    map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at" yaml:"-" db:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at" yaml:"-" db:"updated_at"`
}

// ── Prompt ───────────────────────────────────────────────────

// Prompt is the immutable record of a raw user request.
type Prompt struct {
	ID        string                 `json:"id" db:"id"`
	Content   string                 `json:"content" db:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}

// ContextItem is an optional piece of context handed to the planner.
type ContextItem struct {
	Content  string `json:"content"`
	Priority int    `json:"priority"`
}

// ── Plan ─────────────────────────────────────────────────────

type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanExecuting PlanStatus = "executing"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s PlanStatus) Terminal() bool {
	return s == PlanCompleted || s == PlanFailed
}

// Step is one typed unit of work inside a Plan. Steps are embedded in their
// plan and addressed by position.
type Step struct {
	Op       string                 `json:"op"`
	Args     map[string]interface{} `json:"args"`
	ToolCaps []string               `json:"tool_caps"`
	DataCaps []string               `json:"data_caps"`
	Deps     []int                  `json:"deps"`
}

type Plan struct {
	ID         string        `json:"id" db:"id"`
	PromptID   string        `json:"prompt_id" db:"prompt_id"`
	Steps      []Step        `json:"steps"`
	Status     PlanStatus    `json:"status" db:"status"`
	Confidence float64       `json:"confidence" db:"confidence"`
	Approval   *PlanApproval `json:"approval,omitempty"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at" db:"updated_at"`
}

// Executable reports whether the plan has cleared the approval gate.
func (p *Plan) Executable() bool {
	return p.Approval == nil || !p.Approval.Required || p.Approval.Approved
}

// PlanApproval records why a plan needed a human decision and what was granted.
type PlanApproval struct {
	Required   bool              `json:"required"`
	Approved   bool              `json:"approved"`
	ApprovedBy string            `json:"approved_by,omitempty"`
	ApprovedAt *time.Time        `json:"approved_at,omitempty"`
	Violations []PolicyViolation `json:"violations,omitempty"`
	Grants     []CapabilityGrant `json:"grants,omitempty"`
}

// CapabilityGrant is the per-step change applied when a plan is approved.
type CapabilityGrant struct {
	StepIndex int      `json:"step_index"`
	ToolCaps  []string `json:"tool_caps,omitempty"`
	DataCaps  []string `json:"data_caps,omitempty"`
	Stripped  []string `json:"stripped,omitempty"`
}

// ── Entity ───────────────────────────────────────────────────

// Entity is a content item carrying a set of data-capability tags.
type Entity struct {
	ID           string                 `json:"id" db:"id"`
	Content      string                 `json:"content" db:"content"`
	Embedding    []float64              `json:"embedding,omitempty"`
	Capabilities []string               `json:"capabilities"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at" db:"created_at"`
}

// ── Event ────────────────────────────────────────────────────

// Event is the append-only record of one step's execution attempt.
type Event struct {
	ID        string      `json:"id" db:"id"`
	PlanID    string      `json:"plan_id" db:"plan_id"`
	StepIndex int         `json:"step_index" db:"step_index"`
	Op        string      `json:"op" db:"op"`
	Produces  []string    `json:"produces"`
	Consumes  []string    `json:"consumes"`
	Result    interface{} `json:"result"`
	Error     string      `json:"error,omitempty" db:"error"`
	Timestamp time.Time   `json:"timestamp" db:"timestamp"`
}

// Succeeded reports whether the event records a successful step.
func (e Event) Succeeded() bool { return e.Error == "" }

// EventFilter narrows ListEvents.
type EventFilter struct {
	PlanID string
	Limit  int
}

// ── Policy ───────────────────────────────────────────────────

type ViolationKind string

const (
	ViolationMissingToolCap    ViolationKind = "missing_tool_cap"
	ViolationMissingDataCap    ViolationKind = "missing_data_cap"
	ViolationInvalidDependency ViolationKind = "invalid_dependency"
)

// Rank orders violation kinds tool → data → dependency.
func (k ViolationKind) Rank() int {
	switch k {
	case ViolationMissingToolCap:
		return 0
	case ViolationMissingDataCap:
		return 1
	default:
		return 2
	}
}

type PolicyViolation struct {
	StepIndex int           `json:"step_index"`
	Kind      ViolationKind `json:"kind"`
	Required  []string      `json:"required"`
	Available []string      `json:"available"`
	Message   string        `json:"message"`
}

// Blocking reports whether any violation is structural and cannot be approved away.
func Blocking(violations []PolicyViolation) bool {
	for _, v := range violations {
		if v.Kind == ViolationInvalidDependency {
			return true
		}
	}
	return false
}

// SortViolations orders violations by step index, then kind rank. Stable, so
// the relative order within one step/kind is preserved.
func SortViolations(v []PolicyViolation) {
	sort.SliceStable(v, func(i, j int) bool {
		if v[i].StepIndex != v[j].StepIndex {
			return v[i].StepIndex < v[j].StepIndex
		}
		return v[i].Kind.Rank() < v[j].Kind.Rank()
	})
}

// ── Submission / Execution API shapes ────────────────────────

type SubmitPromptRequest struct {
	Prompt     string                 `json:"prompt"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Context    []ContextItem          `json:"context,omitempty"`
	Plan       json.RawMessage        `json:"plan,omitempty"` // optional client-supplied plan, still untrusted
	Approve    bool                   `json:"approve,omitempty"`
	ApprovedBy string                 `json:"approved_by,omitempty"`
}

type SubmissionStatus string

const (
	SubmissionApproved        SubmissionStatus = "approved"
	SubmissionPolicyViolation SubmissionStatus = "policy_violation"
)

type SubmitPromptResponse struct {
	PromptID         string            `json:"prompt_id"`
	PlanID           string            `json:"plan_id,omitempty"`
	Status           SubmissionStatus  `json:"status"`
	Confidence       float64           `json:"confidence"`
	Violations       []PolicyViolation `json:"violations,omitempty"`
	ApprovalRequired bool              `json:"approval_required"`
	Blocked          bool              `json:"blocked,omitempty"`
	Grants           []CapabilityGrant `json:"grants,omitempty"`
}

type ExecutionStatus string

const (
	ExecutionCompleted        ExecutionStatus = "completed"
	ExecutionFailed           ExecutionStatus = "failed"
	ExecutionAlreadyExecuting ExecutionStatus = "already_executing"
	ExecutionAlreadyCompleted ExecutionStatus = "already_completed"
)

type ExecutionSummary struct {
	PlanID        string          `json:"plan_id"`
	Status        ExecutionStatus `json:"status"`
	TotalSteps    int             `json:"total_steps"`
	ExecutedSteps int             `json:"executed_steps"`
	FailedSteps   int             `json:"failed_steps"`
	Events        []Event         `json:"events"`
	Error         string          `json:"error,omitempty"`
}

// ── Tool Providers ───────────────────────────────────────────

// ToolProvider is an MCP server whose tools become operations at runtime.
type ToolProvider struct {
	Name       string                 `json:"name" db:"name"`
	Endpoint   string                 `json:"endpoint" db:"endpoint"`
	Transport  string                 `json:"transport" db:"transport"` // http
	AuthConfig map[string]interface{} `json:"auth_config,omitempty"`
	Tools      []ProviderTool         `json:"tools"`
	Enabled    bool                   `json:"enabled" db:"enabled"`
	CreatedAt  time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at" db:"updated_at"`
}

// ProviderTool is one tool discovered on a provider and the capability it was
// registered under.
type ProviderTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
	Capability  string                 `json:"capability"`
}

// OperationInfo describes an operation and the tool-capabilities it requires.
type OperationInfo struct {
	Op       string   `json:"op"`
	Requires []string `json:"requires"`
	Provider string   `json:"provider,omitempty"`
}

// ── MCP Protocol Types ───────────────────────────────────────

type MCPRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

type MCPResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *MCPError       `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

type MCPError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type MCPToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

type MCPToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

type MCPToolResult struct {
	Content []MCPContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

type MCPContent struct {
	Type string `json:"type"` // text, image, resource
	Text string `json:"text,omitempty"`
}
