// Package execution runs approved plans.
//
// Execution flow:
//  1. Entry guard: only a pending, approved plan may start
//  2. Deterministic topological order of steps by deps
//  3. Plan marked executing before the first step
//  4. Per step: build context from dependency outputs, re-check policy,
//     call the executor, persist produced entities with inherited tags,
//     append an event
//  5. First failure stops the plan; final status is persisted
//
// Steps of one plan run strictly one at a time.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/planguard/control-plane/internal/collaborator"
	"github.com/planguard/control-plane/internal/policy"
	"github.com/planguard/control-plane/internal/refscan"
	"github.com/planguard/control-plane/internal/store"
	"github.com/planguard/control-plane/pkg/models"
)

var (
	ErrCircularDependency = errors.New("circular dependency")
	ErrInvalidDependency  = errors.New("invalid dependency")
	ErrApprovalRequired   = errors.New("plan requires approval before execution")
)

const (
	// FailedPlanMessage is reported when execute is called on a failed plan.
	FailedPlanMessage = "plan previously failed; resubmit the prompt"
	// StepFailedMessage is recorded when a step fails without a message.
	StepFailedMessage = "executor failed"
)

// Sink receives every event after it has been appended.
type Sink interface {
	Publish(ctx context.Context, event models.Event)
}

// Notifier is told when a plan reaches a terminal status.
type Notifier interface {
	PlanFinished(ctx context.Context, summary models.ExecutionSummary)
}

// Option configures an Engine.
type Option func(*Engine)

// WithSink publishes appended events to s.
func WithSink(s Sink) Option { return func(e *Engine) { e.sink = s } }

// WithNotifier reports terminal plan outcomes to n.
func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithStepTimeout bounds each executor call. Zero disables the bound.
func WithStepTimeout(d time.Duration) Option { return func(e *Engine) { e.stepTimeout = d } }

// Engine executes stored plans.
type Engine struct {
	store       store.Store
	policy      *policy.Engine
	executor    collaborator.Executor
	sink        Sink
	notifier    Notifier
	stepTimeout time.Duration
	tracer      trace.Tracer
}

func NewEngine(s store.Store, pol *policy.Engine, exec collaborator.Executor, opts ...Option) *Engine {
	e := &Engine{
		store:       s,
		policy:      pol,
		executor:    exec,
		stepTimeout: 60 * time.Second,
		tracer:      otel.Tracer("planguard-execution"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the plan with the given id. Policy violations, executor
// failures and structural errors are reported in the returned summary; an
// error is returned only for a missing or unapproved plan or an unreachable
// store.
func (e *Engine) Execute(ctx context.Context, planID string) (*models.ExecutionSummary, error) {
	plan, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	if summary, done := e.guard(ctx, plan, plan.Status); done {
		return summary, nil
	}
	if !plan.Executable() {
		return nil, fmt.Errorf("%w: %s", ErrApprovalRequired, planID)
	}

	ctx, span := e.tracer.Start(ctx, "plan.execute", trace.WithAttributes(
		attribute.String("planguard.plan_id", plan.ID),
		attribute.Int("planguard.steps", len(plan.Steps)),
	))
	defer span.End()

	summary := &models.ExecutionSummary{
		PlanID:     plan.ID,
		TotalSteps: len(plan.Steps),
		Events:     []models.Event{},
	}

	order, err := Order(plan.Steps)
	if err != nil {
		// Structural failure: the plan never starts executing.
		prev, ok, terr := e.store.TransitionPlanStatus(ctx, plan.ID, []models.PlanStatus{models.PlanPending}, models.PlanFailed)
		if terr != nil {
			return nil, fmt.Errorf("mark plan failed: %w", terr)
		}
		if !ok {
			if s, done := e.guard(ctx, plan, prev); done {
				return s, nil
			}
		}
		summary.Status = models.ExecutionFailed
		summary.Error = err.Error()
		span.SetStatus(codes.Error, summary.Error)
		log.Error().Str("plan_id", plan.ID).Err(err).Msg("💥 Plan rejected before execution")
		e.notify(summary)
		return summary, nil
	}

	prev, ok, err := e.store.TransitionPlanStatus(ctx, plan.ID, []models.PlanStatus{models.PlanPending}, models.PlanExecuting)
	if err != nil {
		return nil, fmt.Errorf("mark plan executing: %w", err)
	}
	if !ok {
		// Lost the race to another executor.
		if s, done := e.guard(ctx, plan, prev); done {
			return s, nil
		}
		return nil, fmt.Errorf("plan %s is %s", plan.ID, prev)
	}

	log.Info().Str("plan_id", plan.ID).Int("steps", len(plan.Steps)).Msg("🚀 Plan execution started")

	// Once executing, the run and its event log no longer follow the caller's
	// cancellation. Collaborator calls are bounded by the step timeout only.
	ctx = context.WithoutCancel(ctx)

	results := make(map[int]stepOutput, len(plan.Steps))
	for _, idx := range order {
		ev, out, ok, err := e.runStep(ctx, plan, idx, results)
		if err != nil {
			// Persistence failure while recording the step.
			e.finish(plan.ID, models.PlanFailed)
			return nil, err
		}
		summary.Events = append(summary.Events, *ev)
		if !ok {
			summary.FailedSteps++
			summary.Error = ev.Error
			break
		}
		summary.ExecutedSteps++
		results[idx] = out
	}

	if summary.FailedSteps == 0 {
		summary.Status = models.ExecutionCompleted
		e.finish(plan.ID, models.PlanCompleted)
		log.Info().Str("plan_id", plan.ID).Int("steps", summary.ExecutedSteps).Msg("🎉 Plan execution completed")
	} else {
		summary.Status = models.ExecutionFailed
		span.SetStatus(codes.Error, summary.Error)
		e.finish(plan.ID, models.PlanFailed)
		log.Error().Str("plan_id", plan.ID).Str("error", summary.Error).Int("executed", summary.ExecutedSteps).Msg("💥 Plan execution failed")
	}
	e.notify(summary)
	return summary, nil
}

// guard answers execute calls for plans that cannot start.
func (e *Engine) guard(ctx context.Context, plan *models.Plan, status models.PlanStatus) (*models.ExecutionSummary, bool) {
	summary := &models.ExecutionSummary{PlanID: plan.ID, TotalSteps: len(plan.Steps)}
	switch status {
	case models.PlanExecuting:
		summary.Status = models.ExecutionAlreadyExecuting
	case models.PlanCompleted:
		summary.Status = models.ExecutionAlreadyCompleted
	case models.PlanFailed:
		summary.Status = models.ExecutionFailed
		summary.Error = FailedPlanMessage
	default:
		return nil, false
	}
	events, err := e.store.ListEvents(ctx, models.EventFilter{PlanID: plan.ID})
	if err != nil {
		log.Warn().Err(err).Str("plan_id", plan.ID).Msg("Failed to load events for guarded plan")
	}
	if events == nil {
		events = []models.Event{}
	}
	summary.Events = events
	for _, ev := range events {
		if ev.Succeeded() {
			summary.ExecutedSteps++
		} else {
			summary.FailedSteps++
		}
	}
	return summary, true
}

// stepOutput is what a finished step exposes to its dependents.
type stepOutput struct {
	Result   interface{}
	Produced []string
}

// runStep executes one step and appends its event. The bool reports whether
// the step succeeded. The returned error is non-nil only when the event
// itself could not be recorded.
func (e *Engine) runStep(ctx context.Context, plan *models.Plan, idx int, results map[int]stepOutput) (*models.Event, stepOutput, bool, error) {
	step := plan.Steps[idx]
	ctx, span := e.tracer.Start(ctx, "plan.step", trace.WithAttributes(
		attribute.String("planguard.plan_id", plan.ID),
		attribute.Int("planguard.step_index", idx),
		attribute.String("planguard.op", step.Op),
	))
	defer span.End()

	stepCtx := buildContext(step, results)

	fail := func(msg string) (*models.Event, stepOutput, bool, error) {
		if strings.TrimSpace(msg) == "" {
			msg = StepFailedMessage
		}
		span.SetStatus(codes.Error, msg)
		log.Warn().Str("plan_id", plan.ID).Int("step", idx).Str("op", step.Op).Str("error", msg).Msg("❌ Step failed")
		ev, err := e.appendEvent(ctx, plan.ID, idx, step.Op, nil, nil, nil, msg)
		return ev, stepOutput{}, false, err
	}

	violations, err := e.policy.CheckStepExecution(ctx, step, idx, stepCtx)
	if err != nil {
		return fail(fmt.Sprintf("policy check: %v", err))
	}
	if len(violations) > 0 {
		msgs := make([]string, len(violations))
		for i, v := range violations {
			msgs[i] = v.Message
		}
		return fail("policy violation: " + strings.Join(msgs, "; "))
	}

	consumed := refscan.Scan(step.Args, stepCtx)
	for _, d := range step.Deps {
		consumed = appendUnique(consumed, results[d].Produced...)
	}

	callCtx := ctx
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}
	start := time.Now()
	out, err := e.executor.Execute(callCtx, step, stepCtx)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return fail(fmt.Sprintf("executor timed out after %s: %v", e.stepTimeout, err))
		}
		return fail(err.Error())
	}
	if out == nil {
		out = &collaborator.ExecutionOutput{}
	}
	if out.Error != "" {
		return fail(out.Error)
	}

	tags, err := e.inheritedTags(ctx, consumed, step.DataCaps)
	if err != nil {
		return fail(fmt.Sprintf("resolve consumed entities: %v", err))
	}
	produced, err := e.storeEntities(ctx, plan.ID, idx, step.Op, out.Entities, tags)
	if err != nil {
		return nil, stepOutput{}, false, err
	}

	ev, err := e.appendEvent(ctx, plan.ID, idx, step.Op, produced, consumed, out.Result, "")
	if err != nil {
		return nil, stepOutput{}, false, err
	}
	log.Info().
		Str("plan_id", plan.ID).
		Int("step", idx).
		Str("op", step.Op).
		Int("produced", len(produced)).
		Int("consumed", len(consumed)).
		Dur("duration", time.Since(start)).
		Msg("✅ Step completed")
	return ev, stepOutput{Result: out.Result, Produced: produced}, true, nil
}

// buildContext exposes the output of each declared dependency under
// "step_<index>". Nothing else is visible to the step.
func buildContext(step models.Step, results map[int]stepOutput) map[string]interface{} {
	ctx := make(map[string]interface{}, len(step.Deps))
	for _, d := range step.Deps {
		out, ok := results[d]
		if !ok {
			continue
		}
		entities := make([]interface{}, len(out.Produced))
		for i, id := range out.Produced {
			entities[i] = id
		}
		ctx["step_"+strconv.Itoa(d)] = map[string]interface{}{
			"result":   out.Result,
			"entities": entities,
		}
	}
	return ctx
}

// inheritedTags is the union of the tags of every consumed entity plus the
// step's declared data-capabilities, in first-seen order.
func (e *Engine) inheritedTags(ctx context.Context, consumed, declared []string) ([]string, error) {
	var tags []string
	if len(consumed) > 0 {
		found, err := e.store.GetEntities(ctx, consumed)
		if err != nil {
			return nil, err
		}
		for _, id := range consumed {
			if ent, ok := found[id]; ok {
				tags = appendUnique(tags, ent.Capabilities...)
			}
		}
	}
	return appendUnique(tags, declared...), nil
}

func (e *Engine) storeEntities(ctx context.Context, planID string, idx int, op string, produced []collaborator.ProducedEntity, tags []string) ([]string, error) {
	ids := make([]string, 0, len(produced))
	for _, p := range produced {
		meta := make(map[string]interface{}, len(p.Metadata)+3)
		for k, v := range p.Metadata {
			meta[k] = v
		}
		meta["plan_id"] = planID
		meta["step_index"] = idx
		meta["op"] = op

		ent := &models.Entity{
			ID:           proposedID(p.ID),
			Content:      p.Content,
			Embedding:    p.Embedding,
			Capabilities: append([]string{}, tags...),
			Metadata:     meta,
			CreatedAt:    time.Now().UTC(),
		}
		err := e.store.CreateEntity(ctx, ent)
		var conflict *store.ErrConflict
		if errors.As(err, &conflict) {
			// The proposed id is taken; existing entities are never replaced.
			ent.ID = uuid.NewString()
			err = e.store.CreateEntity(ctx, ent)
		}
		if err != nil {
			return nil, fmt.Errorf("store produced entity: %w", err)
		}
		ids = append(ids, ent.ID)
	}
	return ids, nil
}

// proposedID keeps an executor-proposed id only if it is a well-formed
// entity id.
func proposedID(proposed string) string {
	if refscan.IsEntityID(proposed) {
		return strings.ToLower(proposed)
	}
	return uuid.NewString()
}

func (e *Engine) appendEvent(ctx context.Context, planID string, idx int, op string, produces, consumes []string, result interface{}, errMsg string) (*models.Event, error) {
	if produces == nil {
		produces = []string{}
	}
	if consumes == nil {
		consumes = []string{}
	}
	ev := &models.Event{
		ID:        uuid.NewString(),
		PlanID:    planID,
		StepIndex: idx,
		Op:        op,
		Produces:  produces,
		Consumes:  consumes,
		Result:    result,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	if e.sink != nil {
		e.sink.Publish(ctx, *ev)
	}
	return ev, nil
}

// finish persists the terminal status. Failures are logged, not returned.
func (e *Engine) finish(planID string, status models.PlanStatus) {
	_, ok, err := e.store.TransitionPlanStatus(context.Background(), planID, []models.PlanStatus{models.PlanExecuting}, status)
	if err != nil {
		log.Error().Err(err).Str("plan_id", planID).Str("status", string(status)).Msg("Failed to persist final plan status")
		return
	}
	if !ok {
		log.Warn().Str("plan_id", planID).Str("status", string(status)).Msg("Plan was not executing when finishing")
	}
}

func (e *Engine) notify(summary *models.ExecutionSummary) {
	if e.notifier != nil {
		e.notifier.PlanFinished(context.Background(), *summary)
	}
}

func appendUnique(list []string, items ...string) []string {
	for _, it := range items {
		dup := false
		for _, x := range list {
			if x == it {
				dup = true
				break
			}
		}
		if !dup {
			list = append(list, it)
		}
	}
	return list
}
