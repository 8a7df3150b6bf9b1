package policy_test

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planguard/control-plane/internal/capability"
	"github.com/planguard/control-plane/internal/policy"
	"github.com/planguard/control-plane/pkg/models"
)

const (
	teamDoc   = "6f1c1f8e-4d7a-4b7e-9a53-0e7f4b1c2d3e"
	secretDoc = "0b9d3a6e-8f21-4c55-b7a4-1d2e3f405162"
)

func newEngine(t *testing.T) *policy.Engine {
	t.Helper()
	reg := capability.NewRegistry(nil)
	require.NoError(t, reg.Load(context.Background(), []models.Capability{
		{ID: "WRITE_FILE", Kind: models.ToolCap, Scope: "fs"},
		{ID: "SEND_EMAIL", Kind: models.ToolCap, Scope: "network"},
		{ID: "share_with:team", Kind: models.DataCap, Scope: "sharing"},
		{ID: "confidential", Kind: models.DataCap, Scope: "sensitivity"},
	}))
	ops := capability.NewOperationMap(map[string][]string{
		"create_document": {"WRITE_FILE"},
		"send_message":    {"SEND_EMAIL"},
	})
	entities := policy.EntitySet{
		teamDoc:   {ID: teamDoc, Capabilities: []string{"share_with:team"}},
		secretDoc: {ID: secretDoc, Capabilities: []string{"share_with:team", "confidential", "not-a-registered-tag"}},
	}
	return policy.NewEngine(reg, ops, entities)
}

func scenarioPlan() []models.Step {
	return []models.Step{
		{Op: "create_document", ToolCaps: []string{"WRITE_FILE"}, DataCaps: []string{"share_with:team"}, Deps: []int{}},
		{Op: "send_message", ToolCaps: []string{"SEND_EMAIL"}, DataCaps: []string{"share_with:team"}, Deps: []int{0}},
	}
}

func kinds(v []models.PolicyViolation) []string {
	out := make([]string, len(v))
	for i, x := range v {
		out[i] = string(x.Kind)
	}
	return out
}

func TestValidatePlan_CleanScenario(t *testing.T) {
	e := newEngine(t)
	v, err := e.ValidatePlan(context.Background(), scenarioPlan())
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestValidatePlan_ToolChecks(t *testing.T) {
	e := newEngine(t)
	tests := []struct {
		name     string
		step     models.Step
		wantKind []string
		wantReq  [][]string
	}{
		{
			name:     "required not declared",
			step:     models.Step{Op: "send_message"},
			wantKind: []string{"missing_tool_cap"},
			wantReq:  [][]string{{"SEND_EMAIL"}},
		},
		{
			name:     "declared but unknown",
			step:     models.Step{Op: "analyze", ToolCaps: []string{"LAUNCH_MISSILES"}},
			wantKind: []string{"missing_tool_cap"},
			wantReq:  [][]string{{"LAUNCH_MISSILES"}},
		},
		{
			name:     "declared with wrong kind",
			step:     models.Step{Op: "analyze", ToolCaps: []string{"share_with:team"}},
			wantKind: []string{"missing_tool_cap"},
			wantReq:  [][]string{{"share_with:team"}},
		},
		{
			name:     "missing and unknown together",
			step:     models.Step{Op: "create_document", ToolCaps: []string{"nope"}},
			wantKind: []string{"missing_tool_cap", "missing_tool_cap"},
			wantReq:  [][]string{{"WRITE_FILE"}, {"nope"}},
		},
		{
			name: "unknown op is permissive",
			step: models.Step{Op: "summarize"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := e.ValidatePlan(context.Background(), []models.Step{tt.step})
			require.NoError(t, err)
			if diff := cmp.Diff(tt.wantKind, kinds(v), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("kinds mismatch (-want +got):\n%s", diff)
			}
			for i, req := range tt.wantReq {
				assert.Equal(t, req, v[i].Required)
			}
		})
	}
}

func TestValidatePlan_DataChecks(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	// Tags not registered as DataCap are ignored; the rest must be declared.
	v, err := e.ValidatePlan(ctx, []models.Step{{
		Op:       "summarize",
		Args:     map[string]interface{}{"doc": secretDoc},
		DataCaps: []string{"share_with:team"},
	}})
	require.NoError(t, err)
	require.Len(t, v, 1)
	assert.Equal(t, models.ViolationMissingDataCap, v[0].Kind)
	assert.Equal(t, []string{"share_with:team", "confidential"}, v[0].Required)
	assert.Equal(t, []string{"share_with:team"}, v[0].Available)

	// Nested references are found.
	v, err = e.ValidatePlan(ctx, []models.Step{{
		Op:   "summarize",
		Args: map[string]interface{}{"inputs": []interface{}{map[string]interface{}{"ref": teamDoc}}},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"missing_data_cap"}, kinds(v))

	// Unresolvable references are skipped.
	v, err = e.ValidatePlan(ctx, []models.Step{{
		Op:   "summarize",
		Args: map[string]interface{}{"doc": "11111111-2222-4333-8444-555555555555"},
	}})
	require.NoError(t, err)
	assert.Empty(t, v)

	// Declared DataCaps must exist with kind DataCap.
	v, err = e.ValidatePlan(ctx, []models.Step{{Op: "summarize", DataCaps: []string{"WRITE_FILE", "made_up"}}})
	require.NoError(t, err)
	require.Len(t, v, 1)
	assert.Equal(t, []string{"WRITE_FILE", "made_up"}, v[0].Required)
}

func TestValidatePlan_Dependencies(t *testing.T) {
	e := newEngine(t)
	steps := []models.Step{
		{Op: "summarize", Deps: []int{0}},     // self
		{Op: "summarize", Deps: []int{2}},     // forward
		{Op: "summarize", Deps: []int{-1, 7}}, // negative, out of range
		{Op: "summarize", Deps: []int{0, 1, 2}},
	}
	v, err := e.ValidatePlan(context.Background(), steps)
	require.NoError(t, err)

	var got [][2]interface{}
	for _, x := range v {
		got = append(got, [2]interface{}{x.StepIndex, x.Required[0]})
	}
	want := [][2]interface{}{{0, "0"}, {1, "2"}, {2, "-1"}, {2, "7"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("dependency violations mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, models.Blocking(v))
}

func TestValidatePlan_Ordering(t *testing.T) {
	e := newEngine(t)
	steps := []models.Step{
		{Op: "summarize"},
		{Op: "send_message", Args: map[string]interface{}{"doc": teamDoc}, Deps: []int{1}},
		{Op: "create_document", Deps: []int{5}},
	}
	v, err := e.ValidatePlan(context.Background(), steps)
	require.NoError(t, err)

	want := []string{"missing_tool_cap", "missing_data_cap", "invalid_dependency", "missing_tool_cap", "invalid_dependency"}
	if diff := cmp.Diff(want, kinds(v)); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	for i := 1; i < len(v); i++ {
		assert.LessOrEqual(t, v[i-1].StepIndex, v[i].StepIndex)
	}
}

func TestValidatePlan_MatchesPerStepValidation(t *testing.T) {
	e := newEngine(t)
	plans := [][]models.Step{
		scenarioPlan(),
		{
			{Op: "send_message", Args: map[string]interface{}{"a": secretDoc, "b": teamDoc}, ToolCaps: []string{"bogus"}, Deps: []int{0}},
			{Op: "create_document", DataCaps: []string{"SEND_EMAIL"}, Deps: []int{0, 3}},
			{Op: "summarize", Args: map[string]interface{}{"list": []interface{}{teamDoc}}, Deps: []int{1}},
		},
	}
	for _, steps := range plans {
		whole, err := e.ValidatePlan(context.Background(), steps)
		require.NoError(t, err)

		var perStep []models.PolicyViolation
		for i, s := range steps {
			v, err := e.ValidateStep(context.Background(), s, i, len(steps))
			require.NoError(t, err)
			perStep = append(perStep, v...)
		}
		if diff := cmp.Diff(sortedCopy(whole), sortedCopy(perStep), cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("plan vs step violations differ (-plan +steps):\n%s", diff)
		}
	}
}

func TestCheckStepExecution_SkipsDependenciesAndScansContext(t *testing.T) {
	e := newEngine(t)
	step := models.Step{Op: "summarize", Deps: []int{9}}
	stepCtx := map[string]interface{}{"step_0": map[string]interface{}{"entities": []interface{}{secretDoc}}}

	v, err := e.CheckStepExecution(context.Background(), step, 1, stepCtx)
	require.NoError(t, err)
	assert.Equal(t, []string{"missing_data_cap"}, kinds(v))
}

func TestCheckStepExecution_SeesRegistryChanges(t *testing.T) {
	reg := capability.NewRegistry(nil)
	ctx := context.Background()
	_, err := reg.Add(ctx, models.Capability{ID: "tool:crm.lookup", Kind: models.ToolCap}, false, false)
	require.NoError(t, err)
	ops := capability.NewOperationMap(map[string][]string{"lookup": {"tool:crm.lookup"}})
	e := policy.NewEngine(reg, ops, policy.EntitySet{})

	step := models.Step{Op: "lookup", ToolCaps: []string{"tool:crm.lookup"}}
	v, err := e.CheckStepExecution(ctx, step, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, v)

	_, err = reg.Remove(ctx, "tool:crm.lookup")
	require.NoError(t, err)
	v, err = e.CheckStepExecution(ctx, step, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"missing_tool_cap"}, kinds(v))
}

type brokenLookup struct{}

func (brokenLookup) GetEntities(context.Context, []string) (map[string]*models.Entity, error) {
	return nil, errors.New("connection refused")
}

func TestValidatePlan_LookupFailureIsAnError(t *testing.T) {
	e := newEngine(t).WithEntities(brokenLookup{})
	_, err := e.ValidatePlan(context.Background(), []models.Step{{Op: "summarize", Args: map[string]interface{}{"d": teamDoc}}})
	assert.Error(t, err)

	// No references means no lookup.
	_, err = e.ValidatePlan(context.Background(), scenarioPlan())
	assert.NoError(t, err)
}

func TestGrant(t *testing.T) {
	e := newEngine(t)
	steps := []models.Step{
		{Op: "send_message", Args: map[string]interface{}{"doc": secretDoc}, ToolCaps: []string{"bogus"}, DataCaps: []string{"WRITE_FILE"}},
		{Op: "summarize", Deps: []int{0}},
	}
	granted, grants, err := e.Grant(context.Background(), steps)
	require.NoError(t, err)

	assert.Equal(t, []string{"SEND_EMAIL"}, granted[0].ToolCaps)
	assert.Equal(t, []string{"share_with:team", "confidential"}, granted[0].DataCaps)
	require.Len(t, grants, 1)
	assert.Equal(t, []string{"bogus", "WRITE_FILE"}, grants[0].Stripped)

	// Input is untouched.
	assert.Equal(t, []string{"bogus"}, steps[0].ToolCaps)

	v, err := e.ValidatePlan(context.Background(), granted)
	require.NoError(t, err)
	assert.Empty(t, v)
}

func sortedCopy(v []models.PolicyViolation) []models.PolicyViolation {
	out := append([]models.PolicyViolation{}, v...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StepIndex != out[j].StepIndex {
			return out[i].StepIndex < out[j].StepIndex
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Message < out[j].Message
	})
	return out
}
