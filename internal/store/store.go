// Package store provides the storage interface and implementations for the
// planguard control plane.
//
// Three backends share the same contract: an in-memory store (tests, local
// dev, optional JSON snapshot), SQLite (single node) and PostgreSQL with
// JSONB columns (production).
package store

import (
	"context"

	"github.com/planguard/control-plane/pkg/models"
)

// Store is the primary storage interface for the control plane.
// All services depend on this interface, making it easy to swap
// between in-memory (tests) and relational (production) implementations.
type Store interface {
	PromptStore
	PlanStore
	EntityStore
	EventStore
	CapabilityStore
	ToolProviderStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates the schema if it does not exist.
	Migrate(ctx context.Context) error
}

// ── Prompt Store ────────────────────────────────────────────

// PromptStore is create-only: prompts are never mutated.
type PromptStore interface {
	CreatePrompt(ctx context.Context, prompt *models.Prompt) error
	GetPrompt(ctx context.Context, id string) (*models.Prompt, error)
}

// ── Plan Store ──────────────────────────────────────────────

type PlanStore interface {
	CreatePlan(ctx context.Context, plan *models.Plan) error
	GetPlan(ctx context.Context, id string) (*models.Plan, error)
	ListPlans(ctx context.Context, status models.PlanStatus, limit int) ([]models.Plan, error)

	// UpdatePlanApproval replaces the steps and approval record of a pending plan.
	UpdatePlanApproval(ctx context.Context, id string, steps []models.Step, approval *models.PlanApproval) error

	// TransitionPlanStatus sets the plan status to `to` only if the current
	// status is one of `from`. It returns the status observed before the call
	// and whether the swap happened.
	TransitionPlanStatus(ctx context.Context, id string, from []models.PlanStatus, to models.PlanStatus) (models.PlanStatus, bool, error)
}

// ── Entity Store ────────────────────────────────────────────

type EntityStore interface {
	// CreateEntity inserts a new entity. Entities are never overwritten; an
	// existing id yields *ErrConflict.
	CreateEntity(ctx context.Context, entity *models.Entity) error
	GetEntity(ctx context.Context, id string) (*models.Entity, error)

	// GetEntities resolves the given ids. Unknown ids are absent from the result.
	GetEntities(ctx context.Context, ids []string) (map[string]*models.Entity, error)

	ListEntities(ctx context.Context, limit int) ([]models.Entity, error)
}

// ── Event Store ─────────────────────────────────────────────

// EventStore is append-only. There is no update or delete.
type EventStore interface {
	AppendEvent(ctx context.Context, event *models.Event) error

	// ListEvents returns events in append order.
	ListEvents(ctx context.Context, filter models.EventFilter) ([]models.Event, error)
}

// ── Capability Store ────────────────────────────────────────

type CapabilityStore interface {
	ListCapabilities(ctx context.Context) ([]models.Capability, error)
	UpsertCapability(ctx context.Context, c *models.Capability) error
	DeleteCapability(ctx context.Context, id string) error
}

// ── Tool Provider Store ─────────────────────────────────────

type ToolProviderStore interface {
	ListToolProviders(ctx context.Context) ([]models.ToolProvider, error)
	GetToolProvider(ctx context.Context, name string) (*models.ToolProvider, error)
	UpsertToolProvider(ctx context.Context, p *models.ToolProvider) error
	DeleteToolProvider(ctx context.Context, name string) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested record does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrConflict is returned when creating a record whose key already exists.
type ErrConflict struct {
	Entity string
	Key    string
}

func (e *ErrConflict) Error() string {
	return e.Entity + " already exists: " + e.Key
}

// ErrReference is returned when a foreign reference (plan → prompt,
// event → plan) points at a missing record.
type ErrReference struct {
	Entity string
	Ref    string
	Key    string
}

func (e *ErrReference) Error() string {
	return e.Entity + " references missing " + e.Ref + ": " + e.Key
}

func containsStatus(list []models.PlanStatus, s models.PlanStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func defaultLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
