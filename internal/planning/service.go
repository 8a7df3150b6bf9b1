// Package planning turns prompts into validated, persisted plans.
//
// Submission flow:
//  1. Persist the prompt
//  2. Obtain candidate steps from the planner, or from a client-supplied
//     plan, through the same untrusted-output parser
//  3. Validate the plan against the live registry and entity store
//  4. Clean plans are stored pending and approved; plans with only
//     capability violations are stored pending awaiting approval; plans
//     with structural violations are rejected and not stored
package planning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/planguard/control-plane/internal/collaborator"
	"github.com/planguard/control-plane/internal/policy"
	"github.com/planguard/control-plane/internal/store"
	"github.com/planguard/control-plane/pkg/models"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNoPlanner      = errors.New("no planner configured; supply a plan with the prompt")
	ErrNotPending     = errors.New("plan is no longer pending")
	// ErrUngrantable is returned when approval cannot clear the violations,
	// for example because a required capability is not registered.
	ErrUngrantable = errors.New("violations cannot be cleared by approval")
)

// ApprovalNotifier is told when a plan is waiting for a human decision.
type ApprovalNotifier interface {
	ApprovalRequired(ctx context.Context, plan *models.Plan, violations []models.PolicyViolation)
}

// Service runs prompt submission and plan approval.
type Service struct {
	store    store.Store
	policy   *policy.Engine
	planner  collaborator.Planner
	notifier ApprovalNotifier
}

// NewService creates a planning service. planner and notifier may be nil.
func NewService(s store.Store, pol *policy.Engine, planner collaborator.Planner, notifier ApprovalNotifier) *Service {
	return &Service{store: s, policy: pol, planner: planner, notifier: notifier}
}

// SubmitPrompt records the prompt, plans it and validates the plan.
// Violations are reported in the response, never as an error.
func (s *Service) SubmitPrompt(ctx context.Context, req models.SubmitPromptRequest) (*models.SubmitPromptResponse, error) {
	content := strings.TrimSpace(req.Prompt)
	if content == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}

	planned, err := s.plan(ctx, req)
	if err != nil {
		return nil, err
	}

	prompt := &models.Prompt{
		ID:        uuid.NewString(),
		Content:   req.Prompt,
		Metadata:  req.Metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreatePrompt(ctx, prompt); err != nil {
		return nil, fmt.Errorf("store prompt: %w", err)
	}

	violations, err := s.policy.ValidatePlan(ctx, planned.Steps)
	if err != nil {
		return nil, err
	}

	resp := &models.SubmitPromptResponse{
		PromptID:   prompt.ID,
		Status:     models.SubmissionApproved,
		Confidence: planned.Confidence,
		Violations: violations,
	}

	if models.Blocking(violations) {
		resp.Status = models.SubmissionPolicyViolation
		resp.Blocked = true
		log.Warn().Str("prompt_id", prompt.ID).Int("violations", len(violations)).Msg("🚫 Plan rejected: structural violations")
		return resp, nil
	}

	now := time.Now().UTC()
	plan := &models.Plan{
		ID:         uuid.NewString(),
		PromptID:   prompt.ID,
		Steps:      planned.Steps,
		Status:     models.PlanPending,
		Confidence: planned.Confidence,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if len(violations) > 0 {
		plan.Approval = &models.PlanApproval{Required: true, Violations: violations}
	}
	if err := s.store.CreatePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("store plan: %w", err)
	}
	resp.PlanID = plan.ID

	if len(violations) == 0 {
		log.Info().Str("plan_id", plan.ID).Int("steps", len(plan.Steps)).Float64("confidence", plan.Confidence).Msg("📝 Plan approved")
		return resp, nil
	}

	if req.Approve {
		approved, err := s.ApprovePlan(ctx, plan.ID, req.ApprovedBy)
		if err != nil {
			return nil, err
		}
		resp.Grants = approved.Approval.Grants
		return resp, nil
	}

	resp.Status = models.SubmissionPolicyViolation
	resp.ApprovalRequired = true
	log.Info().Str("plan_id", plan.ID).Int("violations", len(violations)).Msg("⏸️ Plan awaiting approval")
	if s.notifier != nil {
		s.notifier.ApprovalRequired(ctx, plan, violations)
	}
	return resp, nil
}

// ApprovePlan grants each step the capabilities it is missing, re-validates
// and records the approval. Approving a plan that needs no approval returns
// it unchanged.
func (s *Service) ApprovePlan(ctx context.Context, planID, approver string) (*models.Plan, error) {
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != models.PlanPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, planID, plan.Status)
	}
	if plan.Executable() {
		return plan, nil
	}

	steps, grants, err := s.policy.Grant(ctx, plan.Steps)
	if err != nil {
		return nil, err
	}
	remaining, err := s.policy.ValidatePlan(ctx, steps)
	if err != nil {
		return nil, err
	}
	if len(remaining) > 0 {
		msgs := make([]string, len(remaining))
		for i, v := range remaining {
			msgs[i] = v.Message
		}
		return nil, fmt.Errorf("%w: %s", ErrUngrantable, strings.Join(msgs, "; "))
	}

	if approver == "" {
		approver = "anonymous"
	}
	now := time.Now().UTC()
	approval := &models.PlanApproval{
		Required:   true,
		Approved:   true,
		ApprovedBy: approver,
		ApprovedAt: &now,
		Violations: plan.Approval.Violations,
		Grants:     grants,
	}
	if err := s.store.UpdatePlanApproval(ctx, planID, steps, approval); err != nil {
		return nil, err
	}
	plan.Steps = steps
	plan.Approval = approval
	log.Info().Str("plan_id", planID).Str("approved_by", approver).Int("grants", len(grants)).Msg("✅ Plan approved by reviewer")
	return plan, nil
}

// Revalidate re-runs validation of a stored plan against the current
// registry and entity store.
func (s *Service) Revalidate(ctx context.Context, planID string) ([]models.PolicyViolation, error) {
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	v, err := s.policy.ValidatePlan(ctx, plan.Steps)
	if err != nil {
		return nil, err
	}
	if v == nil {
		v = []models.PolicyViolation{}
	}
	return v, nil
}

func (s *Service) plan(ctx context.Context, req models.SubmitPromptRequest) (*collaborator.PlanResult, error) {
	if len(req.Plan) > 0 && string(req.Plan) != "null" {
		planned, err := collaborator.ParsePlannerOutput(req.Plan)
		if err != nil {
			// A client-supplied plan is request input, not collaborator output.
			return nil, fmt.Errorf("%w: plan: %v", ErrInvalidRequest, err)
		}
		return planned, nil
	}
	if s.planner == nil {
		return nil, ErrNoPlanner
	}
	return s.planner.Plan(ctx, collaborator.PlanRequest{Prompt: req.Prompt, Context: req.Context})
}
