package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/planguard/control-plane/pkg/models"
)

// PostgresStore implements Store on PostgreSQL. Structured fields are JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS pg_prompts (
	id         TEXT PRIMARY KEY,
	content    TEXT NOT NULL,
	metadata   JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS pg_plans (
	id         TEXT PRIMARY KEY,
	prompt_id  TEXT NOT NULL REFERENCES pg_prompts(id),
	steps      JSONB NOT NULL DEFAULT '[]',
	status     TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	approval   JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_pg_plans_status ON pg_plans (status);

CREATE TABLE IF NOT EXISTS pg_entities (
	seq          BIGSERIAL,
	id           TEXT PRIMARY KEY,
	content      TEXT NOT NULL DEFAULT '',
	embedding    JSONB,
	capabilities JSONB NOT NULL DEFAULT '[]',
	metadata     JSONB NOT NULL DEFAULT '{}',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS pg_events (
	seq        BIGSERIAL,
	id         TEXT PRIMARY KEY,
	plan_id    TEXT NOT NULL REFERENCES pg_plans(id),
	step_index INTEGER NOT NULL,
	op         TEXT NOT NULL,
	produces   JSONB NOT NULL DEFAULT '[]',
	consumes   JSONB NOT NULL DEFAULT '[]',
	result     JSONB,
	error      TEXT NOT NULL DEFAULT '',
	timestamp  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_pg_events_plan ON pg_events (plan_id, seq);

CREATE TABLE IF NOT EXISTS pg_capabilities (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	scope       TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	is_system   BOOLEAN NOT NULL DEFAULT FALSE,
	metadata    JSONB NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS pg_tool_providers (
	name        TEXT PRIMARY KEY,
	endpoint    TEXT NOT NULL,
	transport   TEXT NOT NULL DEFAULT 'http',
	auth_config JSONB NOT NULL DEFAULT '{}',
	tools       JSONB NOT NULL DEFAULT '[]',
	enabled     BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// NewPostgresStore connects to connURL, pings, and migrates the schema.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	if tag, err := pool.Exec(ctx, `UPDATE pg_plans SET status = 'failed' WHERE status = 'executing'`); err == nil && tag.RowsAffected() > 0 {
		log.Warn().Int64("plans", tag.RowsAffected()).Msg("Marked interrupted plans as failed")
	}
	log.Info().Msg("PostgreSQL store initialized")
	return s, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresSchema)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ── Prompt Store ────────────────────────────────────────────

func (s *PostgresStore) CreatePrompt(ctx context.Context, p *models.Prompt) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pg_prompts (id, content, metadata, created_at) VALUES ($1, $2, $3, $4)`,
		p.ID, p.Content, mustJSON(p.Metadata, "{}"), stamp(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert prompt: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPrompt(ctx context.Context, id string) (*models.Prompt, error) {
	var p models.Prompt
	var meta []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, content, metadata, created_at FROM pg_prompts WHERE id = $1`, id).
		Scan(&p.ID, &p.Content, &meta, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "prompt", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get prompt: %w", err)
	}
	_ = json.Unmarshal(meta, &p.Metadata)
	return &p, nil
}

// ── Plan Store ──────────────────────────────────────────────

func (s *PostgresStore) CreatePlan(ctx context.Context, p *models.Plan) error {
	if ok, err := s.exists(ctx, `SELECT 1 FROM pg_prompts WHERE id = $1`, p.PromptID); err != nil {
		return err
	} else if !ok {
		return &ErrReference{Entity: "plan", Ref: "prompt", Key: p.PromptID}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pg_plans (id, prompt_id, steps, status, confidence, approval, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.PromptID, mustJSON(p.Steps, "[]"), string(p.Status), p.Confidence,
		jsonbOrNil(p.Approval), stamp(p.CreatedAt), stamp(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

func scanPgPlan(row pgx.Row) (*models.Plan, error) {
	var p models.Plan
	var steps, approval []byte
	var status string
	if err := row.Scan(&p.ID, &p.PromptID, &steps, &status, &p.Confidence, &approval, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(steps, &p.Steps); err != nil {
		return nil, fmt.Errorf("decode plan steps: %w", err)
	}
	if len(approval) > 0 {
		p.Approval = &models.PlanApproval{}
		if err := json.Unmarshal(approval, p.Approval); err != nil {
			return nil, fmt.Errorf("decode plan approval: %w", err)
		}
	}
	p.Status = models.PlanStatus(status)
	return &p, nil
}

func (s *PostgresStore) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	p, err := scanPgPlan(s.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM pg_plans WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "plan", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListPlans(ctx context.Context, status models.PlanStatus, limit int) ([]models.Plan, error) {
	var rows pgx.Rows
	var err error
	if status != "" {
		rows, err = s.pool.Query(ctx,
			`SELECT `+planColumns+` FROM pg_plans WHERE status = $1 ORDER BY created_at DESC LIMIT $2`,
			string(status), defaultLimit(limit))
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+planColumns+` FROM pg_plans ORDER BY created_at DESC LIMIT $1`, defaultLimit(limit))
	}
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var result []models.Plan
	for rows.Next() {
		p, err := scanPgPlan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (s *PostgresStore) UpdatePlanApproval(ctx context.Context, id string, steps []models.Step, approval *models.PlanApproval) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pg_plans SET steps = $1, approval = $2, updated_at = NOW() WHERE id = $3`,
		mustJSON(steps, "[]"), jsonbOrNil(approval), id)
	if err != nil {
		return fmt.Errorf("update plan approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "plan", Key: id}
	}
	return nil
}

// TransitionPlanStatus locks the row so the read-compare-write is atomic
// across concurrent executors.
func (s *PostgresStore) TransitionPlanStatus(ctx context.Context, id string, from []models.PlanStatus, to models.PlanStatus) (models.PlanStatus, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM pg_plans WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, &ErrNotFound{Entity: "plan", Key: id}
	}
	if err != nil {
		return "", false, fmt.Errorf("read plan status: %w", err)
	}
	if !containsStatus(from, models.PlanStatus(current)) {
		return models.PlanStatus(current), false, nil
	}
	if _, err := tx.Exec(ctx, `UPDATE pg_plans SET status = $1, updated_at = NOW() WHERE id = $2`, string(to), id); err != nil {
		return models.PlanStatus(current), false, fmt.Errorf("update plan status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.PlanStatus(current), false, fmt.Errorf("commit: %w", err)
	}
	return models.PlanStatus(current), true, nil
}

// ── Entity Store ────────────────────────────────────────────

func (s *PostgresStore) CreateEntity(ctx context.Context, e *models.Entity) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO pg_entities (id, content, embedding, capabilities, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Content, jsonbOrNil(e.Embedding), mustJSON(nonNil(e.Capabilities), "[]"),
		mustJSON(e.Metadata, "{}"), stamp(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrConflict{Entity: "entity", Key: e.ID}
	}
	return nil
}

func scanPgEntity(row pgx.Row) (*models.Entity, error) {
	var e models.Entity
	var embedding, caps, meta []byte
	if err := row.Scan(&e.ID, &e.Content, &embedding, &caps, &meta, &e.CreatedAt); err != nil {
		return nil, err
	}
	if len(embedding) > 0 {
		_ = json.Unmarshal(embedding, &e.Embedding)
	}
	_ = json.Unmarshal(caps, &e.Capabilities)
	_ = json.Unmarshal(meta, &e.Metadata)
	return &e, nil
}

func (s *PostgresStore) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	e, err := scanPgEntity(s.pool.QueryRow(ctx, `SELECT `+entityColumns+` FROM pg_entities WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "entity", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) GetEntities(ctx context.Context, ids []string) (map[string]*models.Entity, error) {
	result := make(map[string]*models.Entity, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+entityColumns+` FROM pg_entities WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get entities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanPgEntity(rows)
		if err != nil {
			return nil, err
		}
		result[e.ID] = e
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListEntities(ctx context.Context, limit int) ([]models.Entity, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+entityColumns+` FROM pg_entities ORDER BY seq LIMIT $1`, defaultLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()
	var result []models.Entity
	for rows.Next() {
		e, err := scanPgEntity(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

// ── Event Store ─────────────────────────────────────────────

func (s *PostgresStore) AppendEvent(ctx context.Context, e *models.Event) error {
	if ok, err := s.exists(ctx, `SELECT 1 FROM pg_plans WHERE id = $1`, e.PlanID); err != nil {
		return err
	} else if !ok {
		return &ErrReference{Entity: "event", Ref: "plan", Key: e.PlanID}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pg_events (id, plan_id, step_index, op, produces, consumes, result, error, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.PlanID, e.StepIndex, e.Op, mustJSON(nonNil(e.Produces), "[]"), mustJSON(nonNil(e.Consumes), "[]"),
		jsonbOrNil(e.Result), e.Error, stamp(e.Timestamp))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, filter models.EventFilter) ([]models.Event, error) {
	query := `SELECT id, plan_id, step_index, op, produces, consumes, result, error, timestamp FROM pg_events`
	args := []interface{}{}
	if filter.PlanID != "" {
		args = append(args, filter.PlanID)
		query += fmt.Sprintf(` WHERE plan_id = $%d`, len(args))
	}
	query += ` ORDER BY seq`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var result []models.Event
	for rows.Next() {
		var e models.Event
		var produces, consumes, res []byte
		if err := rows.Scan(&e.ID, &e.PlanID, &e.StepIndex, &e.Op, &produces, &consumes, &res, &e.Error, &e.Timestamp); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(produces, &e.Produces)
		_ = json.Unmarshal(consumes, &e.Consumes)
		if len(res) > 0 {
			_ = json.Unmarshal(res, &e.Result)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// ── Capability Store ────────────────────────────────────────

func (s *PostgresStore) ListCapabilities(ctx context.Context) ([]models.Capability, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, scope, description, is_system, metadata, created_at, updated_at FROM pg_capabilities ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list capabilities: %w", err)
	}
	defer rows.Close()
	var result []models.Capability
	for rows.Next() {
		var c models.Capability
		var kind string
		var meta []byte
		if err := rows.Scan(&c.ID, &kind, &c.Scope, &c.Description, &c.IsSystem, &meta, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Kind = models.CapabilityKind(kind)
		_ = json.Unmarshal(meta, &c.Metadata)
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *PostgresStore) UpsertCapability(ctx context.Context, c *models.Capability) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pg_capabilities (id, kind, scope, description, is_system, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET kind = EXCLUDED.kind, scope = EXCLUDED.scope,
		   description = EXCLUDED.description, is_system = EXCLUDED.is_system,
		   metadata = EXCLUDED.metadata, updated_at = EXCLUDED.updated_at`,
		c.ID, string(c.Kind), c.Scope, c.Description, c.IsSystem, mustJSON(c.Metadata, "{}"),
		stamp(c.CreatedAt), stamp(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert capability: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteCapability(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pg_capabilities WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete capability: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "capability", Key: id}
	}
	return nil
}

// ── Tool Provider Store ─────────────────────────────────────

func scanPgProvider(row pgx.Row) (*models.ToolProvider, error) {
	var p models.ToolProvider
	var auth, tools []byte
	if err := row.Scan(&p.Name, &p.Endpoint, &p.Transport, &auth, &tools, &p.Enabled, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal(auth, &p.AuthConfig)
	_ = json.Unmarshal(tools, &p.Tools)
	return &p, nil
}

func (s *PostgresStore) ListToolProviders(ctx context.Context) ([]models.ToolProvider, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+providerColumns+` FROM pg_tool_providers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tool providers: %w", err)
	}
	defer rows.Close()
	var result []models.ToolProvider
	for rows.Next() {
		p, err := scanPgProvider(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetToolProvider(ctx context.Context, name string) (*models.ToolProvider, error) {
	p, err := scanPgProvider(s.pool.QueryRow(ctx, `SELECT `+providerColumns+` FROM pg_tool_providers WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "tool provider", Key: name}
	}
	if err != nil {
		return nil, fmt.Errorf("get tool provider: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) UpsertToolProvider(ctx context.Context, p *models.ToolProvider) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pg_tool_providers (`+providerColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (name) DO UPDATE SET endpoint = EXCLUDED.endpoint, transport = EXCLUDED.transport,
		   auth_config = EXCLUDED.auth_config, tools = EXCLUDED.tools, enabled = EXCLUDED.enabled,
		   updated_at = EXCLUDED.updated_at`,
		p.Name, p.Endpoint, p.Transport, mustJSON(p.AuthConfig, "{}"), mustJSON(p.Tools, "[]"),
		p.Enabled, stamp(p.CreatedAt), stamp(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert tool provider: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteToolProvider(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pg_tool_providers WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete tool provider: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "tool provider", Key: name}
	}
	return nil
}

func (s *PostgresStore) exists(ctx context.Context, query string, args ...interface{}) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, query, args...).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("existence check: %w", err)
	}
	return true, nil
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// jsonbOrNil encodes v as JSON text for a nullable JSONB column.
func jsonbOrNil(v interface{}) interface{} {
	ns := nullableJSON(v)
	if !ns.Valid {
		return nil
	}
	return ns.String
}
