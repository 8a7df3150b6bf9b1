// Package policy decides whether plan steps are authorized.
//
// Each step is checked on two independent channels: tool-capabilities gate
// the action a step performs, data-capabilities gate the data it touches.
// A third, structural check validates dependency indices. Violations are
// returned as data; only an unreachable registry or entity store is an error.
package policy

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/planguard/control-plane/internal/capability"
	"github.com/planguard/control-plane/internal/refscan"
	"github.com/planguard/control-plane/pkg/models"
)

// EntityLookup resolves entity ids. Unknown ids are absent from the result.
type EntityLookup interface {
	GetEntities(ctx context.Context, ids []string) (map[string]*models.Entity, error)
}

// EntitySet is a fixed in-memory EntityLookup.
type EntitySet map[string]*models.Entity

func (s EntitySet) GetEntities(_ context.Context, ids []string) (map[string]*models.Entity, error) {
	out := make(map[string]*models.Entity, len(ids))
	for _, id := range ids {
		if e, ok := s[id]; ok {
			out[id] = e
		}
	}
	return out, nil
}

// Requirements resolves the tool-capabilities an operation requires.
type Requirements interface {
	RequiredToolCaps(op string) []string
}

// Engine runs the policy checks against a live registry and entity lookup.
type Engine struct {
	registry *capability.Registry
	ops      Requirements
	entities EntityLookup
}

func NewEngine(registry *capability.Registry, ops Requirements, entities EntityLookup) *Engine {
	return &Engine{registry: registry, ops: ops, entities: entities}
}

// WithEntities returns a copy of the engine that resolves entities from lookup.
func (e *Engine) WithEntities(lookup EntityLookup) *Engine {
	c := *e
	c.entities = lookup
	return &c
}

// ValidatePlan runs all three checks on every step and returns the
// violations ordered by step index, then tool → data → dependency.
func (e *Engine) ValidatePlan(ctx context.Context, steps []models.Step) ([]models.PolicyViolation, error) {
	args := make([]interface{}, len(steps))
	for i, s := range steps {
		args[i] = s.Args
	}
	entities, err := e.resolve(ctx, refscan.Scan(args...))
	if err != nil {
		return nil, err
	}

	snap := e.registry.Snapshot()
	violations := []models.PolicyViolation{}
	for i, step := range steps {
		violations = append(violations, e.checkStep(snap, step, i, len(steps), entities)...)
	}
	models.SortViolations(violations)
	return violations, nil
}

// ValidateStep runs all three checks on the step at index of a plan with
// planLen steps.
func (e *Engine) ValidateStep(ctx context.Context, step models.Step, index, planLen int) ([]models.PolicyViolation, error) {
	entities, err := e.resolve(ctx, refscan.Scan(step.Args))
	if err != nil {
		return nil, err
	}
	violations := e.checkStep(e.registry.Snapshot(), step, index, planLen, entities)
	models.SortViolations(violations)
	return violations, nil
}

// CheckStepExecution re-runs the tool and data checks immediately before a
// step executes. Entity references found in the step context (outputs of its
// dependencies) are checked alongside those in the arguments.
func (e *Engine) CheckStepExecution(ctx context.Context, step models.Step, index int, stepCtx map[string]interface{}) ([]models.PolicyViolation, error) {
	ids := refscan.Scan(step.Args, stepCtx)
	entities, err := e.resolve(ctx, ids)
	if err != nil {
		return nil, err
	}
	snap := e.registry.Snapshot()
	violations := checkTools(snap, e.ops.RequiredToolCaps(step.Op), step, index)
	violations = append(violations, checkData(snap, ids, entities, step, index)...)
	return violations, nil
}

func (e *Engine) resolve(ctx context.Context, ids []string) (map[string]*models.Entity, error) {
	if len(ids) == 0 || e.entities == nil {
		return map[string]*models.Entity{}, nil
	}
	found, err := e.entities.GetEntities(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve entities: %w", err)
	}
	return found, nil
}

func (e *Engine) checkStep(snap capability.Snapshot, step models.Step, index, planLen int, entities map[string]*models.Entity) []models.PolicyViolation {
	ids := refscan.Scan(step.Args)
	v := checkTools(snap, e.ops.RequiredToolCaps(step.Op), step, index)
	v = append(v, checkData(snap, ids, entities, step, index)...)
	v = append(v, checkDeps(step, index, planLen)...)
	return v
}

func checkTools(snap capability.Snapshot, required []string, step models.Step, index int) []models.PolicyViolation {
	var out []models.PolicyViolation
	declared := toSet(step.ToolCaps)

	var missing []string
	for _, r := range required {
		if !declared[r] {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		out = append(out, models.PolicyViolation{
			StepIndex: index,
			Kind:      models.ViolationMissingToolCap,
			Required:  required,
			Available: orEmpty(step.ToolCaps),
			Message:   fmt.Sprintf("step %d (%s) requires tool capabilities not declared: %s", index, step.Op, strings.Join(missing, ", ")),
		})
	}

	if bad := invalidDeclared(snap, step.ToolCaps, models.ToolCap); len(bad) > 0 {
		out = append(out, models.PolicyViolation{
			StepIndex: index,
			Kind:      models.ViolationMissingToolCap,
			Required:  bad,
			Available: orEmpty(step.ToolCaps),
			Message:   fmt.Sprintf("step %d (%s) declares unknown or non-tool capabilities: %s", index, step.Op, strings.Join(bad, ", ")),
		})
	}
	return out
}

// checkData compares the DataCap tags of every resolved entity referenced by
// the step against its declared data-capabilities. Unresolved references are
// skipped: ids produced later in the same plan cannot be resolved yet.
func checkData(snap capability.Snapshot, ids []string, entities map[string]*models.Entity, step models.Step, index int) []models.PolicyViolation {
	var out []models.PolicyViolation
	declared := toSet(step.DataCaps)

	for _, id := range ids {
		ent, ok := entities[id]
		if !ok {
			continue
		}
		var required, missing []string
		for _, tag := range ent.Capabilities {
			if !snap.Has(tag, models.DataCap) {
				continue
			}
			required = append(required, tag)
			if !declared[tag] {
				missing = append(missing, tag)
			}
		}
		if len(missing) > 0 {
			out = append(out, models.PolicyViolation{
				StepIndex: index,
				Kind:      models.ViolationMissingDataCap,
				Required:  required,
				Available: orEmpty(step.DataCaps),
				Message:   fmt.Sprintf("step %d (%s) reads entity %s tagged %s without declaring it", index, step.Op, id, strings.Join(missing, ", ")),
			})
		}
	}

	if bad := invalidDeclared(snap, step.DataCaps, models.DataCap); len(bad) > 0 {
		out = append(out, models.PolicyViolation{
			StepIndex: index,
			Kind:      models.ViolationMissingDataCap,
			Required:  bad,
			Available: orEmpty(step.DataCaps),
			Message:   fmt.Sprintf("step %d (%s) declares unknown or non-data capabilities: %s", index, step.Op, strings.Join(bad, ", ")),
		})
	}
	return out
}

// checkDeps enforces that every dependency strictly precedes its dependent.
func checkDeps(step models.Step, index, planLen int) []models.PolicyViolation {
	var out []models.PolicyViolation
	for _, d := range step.Deps {
		if d >= 0 && d < planLen && d < index {
			continue
		}
		var reason string
		switch {
		case d < 0 || d >= planLen:
			reason = fmt.Sprintf("out of range for a %d-step plan", planLen)
		case d == index:
			reason = "a step cannot depend on itself"
		default:
			reason = "dependencies must precede the step"
		}
		out = append(out, models.PolicyViolation{
			StepIndex: index,
			Kind:      models.ViolationInvalidDependency,
			Required:  []string{strconv.Itoa(d)},
			Available: []string{},
			Message:   fmt.Sprintf("step %d depends on %d: %s", index, d, reason),
		})
	}
	return out
}

func invalidDeclared(snap capability.Snapshot, declared []string, kind models.CapabilityKind) []string {
	var bad []string
	seen := make(map[string]bool, len(declared))
	for _, id := range declared {
		if seen[id] {
			continue
		}
		seen[id] = true
		if !snap.Has(id, kind) {
			bad = append(bad, id)
		}
	}
	return bad
}

func toSet(list []string) map[string]bool {
	set := make(map[string]bool, len(list))
	for _, s := range list {
		set[s] = true
	}
	return set
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return append([]string{}, s...)
}
