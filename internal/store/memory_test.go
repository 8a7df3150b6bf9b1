package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/planguard/control-plane/internal/store"
	"github.com/planguard/control-plane/pkg/models"
)

// newTestStore creates a fresh in-memory store with no persistence.
func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMemoryStoreContract(t *testing.T) {
	runContract(t, newTestStore)
}

// runContract exercises the behaviour every backend must share.
func runContract(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("PromptRoundTrip", func(t *testing.T) { testPromptRoundTrip(t, newStore(t)) })
	t.Run("PlanRequiresPrompt", func(t *testing.T) { testPlanRequiresPrompt(t, newStore(t)) })
	t.Run("PlanRoundTrip", func(t *testing.T) { testPlanRoundTrip(t, newStore(t)) })
	t.Run("TransitionPlanStatus", func(t *testing.T) { testTransition(t, newStore(t)) })
	t.Run("UpdatePlanApproval", func(t *testing.T) { testUpdateApproval(t, newStore(t)) })
	t.Run("Entities", func(t *testing.T) { testEntities(t, newStore(t)) })
	t.Run("EntitiesNeverOverwritten", func(t *testing.T) { testEntityConflict(t, newStore(t)) })
	t.Run("EventsAppendOnly", func(t *testing.T) { testEvents(t, newStore(t)) })
	t.Run("Capabilities", func(t *testing.T) { testCapabilities(t, newStore(t)) })
	t.Run("ToolProviders", func(t *testing.T) { testToolProviders(t, newStore(t)) })
}

func seedPlan(t *testing.T, s store.Store, status models.PlanStatus) *models.Plan {
	t.Helper()
	ctx := context.Background()
	prompt := &models.Prompt{ID: uuid.NewString(), Content: "send the report", CreatedAt: time.Now().UTC()}
	if err := s.CreatePrompt(ctx, prompt); err != nil {
		t.Fatalf("CreatePrompt() error = %v", err)
	}
	plan := &models.Plan{
		ID:       uuid.NewString(),
		PromptID: prompt.ID,
		Steps: []models.Step{
			{Op: "create_document", Args: map[string]interface{}{"title": "r"}, ToolCaps: []string{"WRITE_FILE"}, Deps: []int{}},
			{Op: "send_message", Args: map[string]interface{}{"to": "team"}, ToolCaps: []string{"SEND_EMAIL"}, Deps: []int{0}},
		},
		Status:     status,
		Confidence: 0.8,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := s.CreatePlan(ctx, plan); err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}
	return plan
}

func testPromptRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := &models.Prompt{ID: uuid.NewString(), Content: "hello", Metadata: map[string]interface{}{"user": "u1"}, CreatedAt: time.Now().UTC()}
	if err := s.CreatePrompt(ctx, p); err != nil {
		t.Fatalf("CreatePrompt() error = %v", err)
	}
	got, err := s.GetPrompt(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPrompt() error = %v", err)
	}
	if got.Content != "hello" || got.Metadata["user"] != "u1" {
		t.Errorf("GetPrompt() = %+v", got)
	}

	_, err = s.GetPrompt(ctx, "missing")
	var nf *store.ErrNotFound
	if !errors.As(err, &nf) {
		t.Errorf("GetPrompt(missing) error = %v, want ErrNotFound", err)
	}
}

func testPlanRequiresPrompt(t *testing.T, s store.Store) {
	err := s.CreatePlan(context.Background(), &models.Plan{ID: uuid.NewString(), PromptID: "nope", Status: models.PlanPending})
	var ref *store.ErrReference
	if !errors.As(err, &ref) {
		t.Fatalf("CreatePlan(orphan) error = %v, want ErrReference", err)
	}
}

func testPlanRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	plan := seedPlan(t, s, models.PlanPending)

	got, err := s.GetPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("GetPlan() error = %v", err)
	}
	if len(got.Steps) != 2 {
		t.Fatalf("GetPlan().Steps len = %d, want 2", len(got.Steps))
	}
	if got.Steps[1].Deps[0] != 0 || got.Steps[1].ToolCaps[0] != "SEND_EMAIL" {
		t.Errorf("step 1 = %+v", got.Steps[1])
	}
	if got.Status != models.PlanPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}

	// Mutating the returned copy must not leak into the store.
	got.Steps[0].Op = "tampered"
	again, _ := s.GetPlan(ctx, plan.ID)
	if again.Steps[0].Op != "create_document" {
		t.Errorf("store returned a shared reference, op = %q", again.Steps[0].Op)
	}

	seedPlan(t, s, models.PlanCompleted)
	pending, err := s.ListPlans(ctx, models.PlanPending, 0)
	if err != nil {
		t.Fatalf("ListPlans() error = %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("ListPlans(pending) len = %d, want 1", len(pending))
	}
	all, _ := s.ListPlans(ctx, "", 0)
	if len(all) != 2 {
		t.Errorf("ListPlans(all) len = %d, want 2", len(all))
	}
}

func testTransition(t *testing.T, s store.Store) {
	ctx := context.Background()
	plan := seedPlan(t, s, models.PlanPending)

	prev, ok, err := s.TransitionPlanStatus(ctx, plan.ID, []models.PlanStatus{models.PlanPending}, models.PlanExecuting)
	if err != nil || !ok || prev != models.PlanPending {
		t.Fatalf("first transition = (%q, %v, %v), want (pending, true, nil)", prev, ok, err)
	}
	prev, ok, err = s.TransitionPlanStatus(ctx, plan.ID, []models.PlanStatus{models.PlanPending}, models.PlanExecuting)
	if err != nil || ok || prev != models.PlanExecuting {
		t.Fatalf("second transition = (%q, %v, %v), want (executing, false, nil)", prev, ok, err)
	}

	_, _, err = s.TransitionPlanStatus(ctx, "missing", []models.PlanStatus{models.PlanPending}, models.PlanExecuting)
	var nf *store.ErrNotFound
	if !errors.As(err, &nf) {
		t.Errorf("transition(missing) error = %v, want ErrNotFound", err)
	}
}

func testUpdateApproval(t *testing.T, s store.Store) {
	ctx := context.Background()
	plan := seedPlan(t, s, models.PlanPending)

	steps := plan.Steps
	steps[0].ToolCaps = append(steps[0].ToolCaps, "READ_FILE")
	now := time.Now().UTC()
	approval := &models.PlanApproval{Required: true, Approved: true, ApprovedBy: "ops", ApprovedAt: &now}
	if err := s.UpdatePlanApproval(ctx, plan.ID, steps, approval); err != nil {
		t.Fatalf("UpdatePlanApproval() error = %v", err)
	}
	got, _ := s.GetPlan(ctx, plan.ID)
	if got.Approval == nil || !got.Approval.Approved || got.Approval.ApprovedBy != "ops" {
		t.Errorf("Approval = %+v", got.Approval)
	}
	if len(got.Steps[0].ToolCaps) != 2 {
		t.Errorf("Steps[0].ToolCaps = %v", got.Steps[0].ToolCaps)
	}
}

func testEntities(t *testing.T, s store.Store) {
	ctx := context.Background()
	ids := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}
	for i, id := range ids {
		e := &models.Entity{ID: id, Content: "doc", Capabilities: []string{"share_with:team"}, CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Millisecond)}
		if err := s.CreateEntity(ctx, e); err != nil {
			t.Fatalf("CreateEntity() error = %v", err)
		}
	}

	got, err := s.GetEntity(ctx, ids[1])
	if err != nil {
		t.Fatalf("GetEntity() error = %v", err)
	}
	if len(got.Capabilities) != 1 || got.Capabilities[0] != "share_with:team" {
		t.Errorf("Capabilities = %v", got.Capabilities)
	}

	found, err := s.GetEntities(ctx, []string{ids[0], "unknown", ids[2]})
	if err != nil {
		t.Fatalf("GetEntities() error = %v", err)
	}
	if len(found) != 2 {
		t.Errorf("GetEntities() len = %d, want 2", len(found))
	}
	if _, ok := found["unknown"]; ok {
		t.Error("GetEntities() returned an unknown id")
	}

	list, _ := s.ListEntities(ctx, 0)
	if len(list) != 3 || list[0].ID != ids[0] || list[2].ID != ids[2] {
		t.Errorf("ListEntities() order = %v", list)
	}
}

func testEntityConflict(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := uuid.NewString()
	orig := &models.Entity{ID: id, Content: "salaries", Capabilities: []string{"confidential"}, CreatedAt: time.Now().UTC()}
	if err := s.CreateEntity(ctx, orig); err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}

	err := s.CreateEntity(ctx, &models.Entity{ID: id, Content: "laundered", Capabilities: []string{}, CreatedAt: time.Now().UTC()})
	var conflict *store.ErrConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("CreateEntity(existing) error = %v, want ErrConflict", err)
	}

	got, err := s.GetEntity(ctx, id)
	if err != nil {
		t.Fatalf("GetEntity() error = %v", err)
	}
	if got.Content != "salaries" || len(got.Capabilities) != 1 || got.Capabilities[0] != "confidential" {
		t.Errorf("entity was overwritten: %+v", got)
	}
	if list, _ := s.ListEntities(ctx, 0); len(list) != 1 {
		t.Errorf("ListEntities() len = %d, want 1", len(list))
	}
}

func testEvents(t *testing.T, s store.Store) {
	ctx := context.Background()
	plan := seedPlan(t, s, models.PlanExecuting)

	for i := 0; i < 3; i++ {
		ev := &models.Event{ID: uuid.NewString(), PlanID: plan.ID, StepIndex: i, Op: "echo",
			Produces: []string{uuid.NewString()}, Consumes: []string{}, Result: map[string]interface{}{"n": float64(i)}, Timestamp: time.Now().UTC()}
		if err := s.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent() error = %v", err)
		}
	}
	err := s.AppendEvent(ctx, &models.Event{ID: uuid.NewString(), PlanID: "nope", Op: "echo", Timestamp: time.Now()})
	var ref *store.ErrReference
	if !errors.As(err, &ref) {
		t.Errorf("AppendEvent(orphan) error = %v, want ErrReference", err)
	}

	events, err := s.ListEvents(ctx, models.EventFilter{PlanID: plan.ID})
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("ListEvents() len = %d, want 3", len(events))
	}
	for i, ev := range events {
		if ev.StepIndex != i {
			t.Errorf("events[%d].StepIndex = %d, want append order", i, ev.StepIndex)
		}
	}
	limited, _ := s.ListEvents(ctx, models.EventFilter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("ListEvents(limit 2) len = %d", len(limited))
	}
}

func testCapabilities(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	for _, c := range []models.Capability{
		{ID: "WRITE_FILE", Kind: models.ToolCap, IsSystem: true, CreatedAt: now, UpdatedAt: now},
		{ID: "share_with:team", Kind: models.DataCap, Scope: "team", CreatedAt: now, UpdatedAt: now},
	} {
		c := c
		if err := s.UpsertCapability(ctx, &c); err != nil {
			t.Fatalf("UpsertCapability() error = %v", err)
		}
	}
	caps, _ := s.ListCapabilities(ctx)
	if len(caps) != 2 || caps[0].ID != "WRITE_FILE" || !caps[0].IsSystem {
		t.Errorf("ListCapabilities() = %+v", caps)
	}
	if err := s.DeleteCapability(ctx, "share_with:team"); err != nil {
		t.Fatalf("DeleteCapability() error = %v", err)
	}
	var nf *store.ErrNotFound
	if err := s.DeleteCapability(ctx, "share_with:team"); !errors.As(err, &nf) {
		t.Errorf("DeleteCapability(again) error = %v, want ErrNotFound", err)
	}
}

func testToolProviders(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := &models.ToolProvider{Name: "files", Endpoint: "http://localhost:9000/mcp", Transport: "http", Enabled: true,
		Tools: []models.ProviderTool{{Name: "read", Capability: "tool:files.read"}}}
	if err := s.UpsertToolProvider(ctx, p); err != nil {
		t.Fatalf("UpsertToolProvider() error = %v", err)
	}
	got, err := s.GetToolProvider(ctx, "files")
	if err != nil {
		t.Fatalf("GetToolProvider() error = %v", err)
	}
	if len(got.Tools) != 1 || got.Tools[0].Capability != "tool:files.read" {
		t.Errorf("Tools = %+v", got.Tools)
	}
	list, _ := s.ListToolProviders(ctx)
	if len(list) != 1 {
		t.Errorf("ListToolProviders() len = %d", len(list))
	}
	if err := s.DeleteToolProvider(ctx, "files"); err != nil {
		t.Fatalf("DeleteToolProvider() error = %v", err)
	}
	if _, err := s.GetToolProvider(ctx, "files"); err == nil {
		t.Error("GetToolProvider() after delete should fail")
	}
}

// ─── Memory-only behaviour ───────────────────────────────────

func TestMemoryStore_ConcurrentTransitionHasOneWinner(t *testing.T) {
	s := newTestStore(t)
	plan := seedPlan(t, s, models.PlanPending)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.TransitionPlanStatus(context.Background(), plan.ID,
				[]models.PlanStatus{models.PlanPending}, models.PlanExecuting)
			if err == nil && ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

func TestMemoryStore_SnapshotSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1 := store.NewMemoryStore(dir)
	plan := seedPlan(t, s1, models.PlanPending)
	if _, _, err := s1.TransitionPlanStatus(ctx, plan.ID, []models.PlanStatus{models.PlanPending}, models.PlanExecuting); err != nil {
		t.Fatalf("transition error = %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s2 := store.NewMemoryStore(dir)
	defer s2.Close()
	got, err := s2.GetPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("GetPlan() after restart error = %v", err)
	}
	// An executing plan cannot resume after a restart.
	if got.Status != models.PlanFailed {
		t.Errorf("Status after restart = %q, want failed", got.Status)
	}
}
