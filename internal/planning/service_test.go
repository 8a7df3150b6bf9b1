package planning_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planguard/control-plane/internal/capability"
	"github.com/planguard/control-plane/internal/collaborator"
	"github.com/planguard/control-plane/internal/planning"
	"github.com/planguard/control-plane/internal/policy"
	"github.com/planguard/control-plane/internal/store"
	"github.com/planguard/control-plane/pkg/models"
)

type stubPlanner struct {
	result *collaborator.PlanResult
	err    error
	got    collaborator.PlanRequest
}

func (p *stubPlanner) Plan(_ context.Context, req collaborator.PlanRequest) (*collaborator.PlanResult, error) {
	p.got = req
	return p.result, p.err
}

type approvals struct{ plans []string }

func (a *approvals) ApprovalRequired(_ context.Context, plan *models.Plan, _ []models.PolicyViolation) {
	a.plans = append(a.plans, plan.ID)
}

type fixture struct {
	svc      *planning.Service
	store    store.Store
	planner  *stubPlanner
	notified *approvals
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	boot := capability.DefaultBootstrap()
	reg := capability.NewRegistry(s)
	require.NoError(t, reg.Load(context.Background(), boot.Capabilities))
	pol := policy.NewEngine(reg, capability.NewOperationMap(boot.Operations), s)

	p := &stubPlanner{}
	n := &approvals{}
	return &fixture{svc: planning.NewService(s, pol, p, n), store: s, planner: p, notified: n}
}

func scenario() []models.Step {
	return []models.Step{
		{Op: "create_document", Args: map[string]interface{}{}, ToolCaps: []string{"WRITE_FILE"}, DataCaps: []string{"share_with:team"}, Deps: []int{}},
		{Op: "send_message", Args: map[string]interface{}{}, ToolCaps: []string{"SEND_EMAIL"}, DataCaps: []string{"share_with:team"}, Deps: []int{0}},
	}
}

func TestSubmitPrompt_Clean(t *testing.T) {
	f := newFixture(t)
	f.planner.result = &collaborator.PlanResult{Steps: scenario(), Confidence: 0.9}

	resp, err := f.svc.SubmitPrompt(context.Background(), models.SubmitPromptRequest{
		Prompt:  "Create a report and email it to the team",
		Context: []models.ContextItem{{Content: "Q3", Priority: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionApproved, resp.Status)
	assert.False(t, resp.ApprovalRequired)
	assert.Empty(t, resp.Violations)
	assert.Equal(t, 0.9, resp.Confidence)
	assert.Len(t, f.planner.got.Context, 1)

	plan, err := f.store.GetPlan(context.Background(), resp.PlanID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanPending, plan.Status)
	assert.Equal(t, resp.PromptID, plan.PromptID)
	assert.True(t, plan.Executable())
}

func TestSubmitPrompt_MissingCapabilityNeedsApproval(t *testing.T) {
	f := newFixture(t)
	steps := scenario()
	steps[1].ToolCaps = []string{}
	f.planner.result = &collaborator.PlanResult{Steps: steps}

	resp, err := f.svc.SubmitPrompt(context.Background(), models.SubmitPromptRequest{Prompt: "email the team"})
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionPolicyViolation, resp.Status)
	assert.True(t, resp.ApprovalRequired)
	assert.False(t, resp.Blocked)
	require.Len(t, resp.Violations, 1)
	assert.Equal(t, models.ViolationMissingToolCap, resp.Violations[0].Kind)
	assert.Equal(t, []string{resp.PlanID}, f.notified.plans)

	plan, err := f.store.GetPlan(context.Background(), resp.PlanID)
	require.NoError(t, err)
	assert.False(t, plan.Executable())

	approved, err := f.svc.ApprovePlan(context.Background(), resp.PlanID, "alice")
	require.NoError(t, err)
	assert.True(t, approved.Executable())
	assert.Equal(t, "alice", approved.Approval.ApprovedBy)
	assert.Equal(t, []string{"SEND_EMAIL"}, approved.Steps[1].ToolCaps)
	require.Len(t, approved.Approval.Grants, 1)
	assert.Equal(t, 1, approved.Approval.Grants[0].StepIndex)

	stored, err := f.store.GetPlan(context.Background(), resp.PlanID)
	require.NoError(t, err)
	assert.True(t, stored.Executable())
	assert.Equal(t, []string{"SEND_EMAIL"}, stored.Steps[1].ToolCaps)
}

func TestSubmitPrompt_ApproveInline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	secret := &models.Entity{ID: uuid.NewString(), Content: "salaries", Capabilities: []string{"confidential"}, CreatedAt: time.Now().UTC()}
	require.NoError(t, f.store.CreateEntity(ctx, secret))

	f.planner.result = &collaborator.PlanResult{Steps: []models.Step{
		{Op: "send_message", Args: map[string]interface{}{"doc": secret.ID}, ToolCaps: []string{"SEND_EMAIL", "BOGUS"}, DataCaps: []string{}, Deps: []int{}},
	}}

	resp, err := f.svc.SubmitPrompt(ctx, models.SubmitPromptRequest{Prompt: "send salaries", Approve: true, ApprovedBy: "bob"})
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionApproved, resp.Status)
	assert.NotEmpty(t, resp.Violations)
	require.Len(t, resp.Grants, 1)
	assert.Equal(t, []string{"confidential"}, resp.Grants[0].DataCaps)
	assert.Equal(t, []string{"BOGUS"}, resp.Grants[0].Stripped)
	assert.Empty(t, f.notified.plans)
}

func TestSubmitPrompt_StructuralViolationBlocks(t *testing.T) {
	f := newFixture(t)
	steps := scenario()
	steps[0].Deps = []int{1}
	f.planner.result = &collaborator.PlanResult{Steps: steps}

	resp, err := f.svc.SubmitPrompt(context.Background(), models.SubmitPromptRequest{Prompt: "loop"})
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionPolicyViolation, resp.Status)
	assert.True(t, resp.Blocked)
	assert.False(t, resp.ApprovalRequired)
	assert.Empty(t, resp.PlanID)

	plans, err := f.store.ListPlans(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, plans)
}

func TestSubmitPrompt_ClientPlan(t *testing.T) {
	f := newFixture(t)
	raw, _ := json.Marshal(map[string]interface{}{"steps": scenario(), "confidence": 0.5})

	resp, err := f.svc.SubmitPrompt(context.Background(), models.SubmitPromptRequest{Prompt: "x", Plan: raw})
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionApproved, resp.Status)
	assert.Empty(t, f.planner.got.Prompt, "planner is not called for a client plan")

	_, err = f.svc.SubmitPrompt(context.Background(), models.SubmitPromptRequest{Prompt: "x", Plan: json.RawMessage(`[{"op":1}]`)})
	assert.ErrorIs(t, err, planning.ErrInvalidRequest)
	assert.NotErrorIs(t, err, collaborator.ErrMalformedOutput)
}

// promptCounter counts stored prompts.
type promptCounter struct {
	store.Store
	created int
}

func (c *promptCounter) CreatePrompt(ctx context.Context, p *models.Prompt) error {
	c.created++
	return c.Store.CreatePrompt(ctx, p)
}

func TestSubmitPrompt_FailedPlanningStoresNoPrompt(t *testing.T) {
	mem := store.NewMemoryStore("")
	t.Cleanup(func() { mem.Close() })
	s := &promptCounter{Store: mem}
	pol := policy.NewEngine(capability.NewRegistry(nil), capability.NewOperationMap(nil), nil)
	ctx := context.Background()

	svc := planning.NewService(s, pol, &stubPlanner{err: collaborator.ErrUnavailable}, nil)
	_, err := svc.SubmitPrompt(ctx, models.SubmitPromptRequest{Prompt: "x"})
	require.ErrorIs(t, err, collaborator.ErrUnavailable)
	_, err = svc.SubmitPrompt(ctx, models.SubmitPromptRequest{Prompt: "x", Plan: json.RawMessage(`{"steps":"nope"}`)})
	require.ErrorIs(t, err, planning.ErrInvalidRequest)
	_, err = planning.NewService(s, pol, nil, nil).SubmitPrompt(ctx, models.SubmitPromptRequest{Prompt: "x"})
	require.ErrorIs(t, err, planning.ErrNoPlanner)

	assert.Zero(t, s.created)
}

func TestSubmitPrompt_Errors(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SubmitPrompt(context.Background(), models.SubmitPromptRequest{Prompt: "  "})
	assert.ErrorIs(t, err, planning.ErrInvalidRequest)

	f.planner.err = collaborator.ErrUnavailable
	_, err = f.svc.SubmitPrompt(context.Background(), models.SubmitPromptRequest{Prompt: "x"})
	assert.ErrorIs(t, err, collaborator.ErrUnavailable)

	noPlanner := planning.NewService(f.store, policy.NewEngine(capability.NewRegistry(nil), capability.NewOperationMap(nil), nil), nil, nil)
	_, err = noPlanner.SubmitPrompt(context.Background(), models.SubmitPromptRequest{Prompt: "x"})
	assert.ErrorIs(t, err, planning.ErrNoPlanner)
}

func TestApprovePlan_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ApprovePlan(ctx, uuid.NewString(), "x")
	var nf *store.ErrNotFound
	assert.ErrorAs(t, err, &nf)

	steps := scenario()
	steps[0].Op = "mystery_op"
	f.planner.result = &collaborator.PlanResult{Steps: steps}
	resp, err := f.svc.SubmitPrompt(ctx, models.SubmitPromptRequest{Prompt: "clean"})
	require.NoError(t, err)
	_, ok, err := f.store.TransitionPlanStatus(ctx, resp.PlanID, []models.PlanStatus{models.PlanPending}, models.PlanCompleted)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f.svc.ApprovePlan(ctx, resp.PlanID, "x")
	assert.ErrorIs(t, err, planning.ErrNotPending)
}

func TestRevalidate(t *testing.T) {
	f := newFixture(t)
	f.planner.result = &collaborator.PlanResult{Steps: scenario()}
	resp, err := f.svc.SubmitPrompt(context.Background(), models.SubmitPromptRequest{Prompt: "x"})
	require.NoError(t, err)

	v, err := f.svc.Revalidate(context.Background(), resp.PlanID)
	require.NoError(t, err)
	assert.NotNil(t, v)
	assert.Empty(t, v)
}
