package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/planguard/control-plane/pkg/models"
)

// SQLiteStore implements Store on an embedded SQLite database. JSON-shaped
// fields (steps, tags, metadata, results) are stored as TEXT columns.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS prompts (
	id         TEXT PRIMARY KEY,
	content    TEXT NOT NULL,
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS plans (
	id         TEXT PRIMARY KEY,
	prompt_id  TEXT NOT NULL REFERENCES prompts(id),
	steps      TEXT NOT NULL,
	status     TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0,
	approval   TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_plans_status ON plans (status);

CREATE TABLE IF NOT EXISTS entities (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	content      TEXT NOT NULL DEFAULT '',
	embedding    TEXT,
	capabilities TEXT NOT NULL DEFAULT '[]',
	metadata     TEXT NOT NULL DEFAULT '{}',
	created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	plan_id    TEXT NOT NULL REFERENCES plans(id),
	step_index INTEGER NOT NULL,
	op         TEXT NOT NULL,
	produces   TEXT NOT NULL DEFAULT '[]',
	consumes   TEXT NOT NULL DEFAULT '[]',
	result     TEXT,
	error      TEXT NOT NULL DEFAULT '',
	timestamp  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_plan ON events (plan_id, seq);

CREATE TABLE IF NOT EXISTS capabilities (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	scope       TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	is_system   INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	metadata    TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS tool_providers (
	name        TEXT PRIMARY KEY,
	endpoint    TEXT NOT NULL,
	transport   TEXT NOT NULL DEFAULT 'http',
	auth_config TEXT NOT NULL DEFAULT '{}',
	tools       TEXT NOT NULL DEFAULT '[]',
	enabled     INTEGER NOT NULL DEFAULT 1,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
`

// NewSQLiteStore opens (creating if needed) the database at path and runs migrations.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// One writer at a time; avoids SQLITE_BUSY under concurrent plans.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: path}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	// A plan left executing by a crash can never finish; fail it.
	if res, err := db.ExecContext(ctx, `UPDATE plans SET status = 'failed' WHERE status = 'executing'`); err == nil {
		if n, _ := res.RowsAffected(); n > 0 {
			log.Warn().Int64("plans", n).Msg("Marked interrupted plans as failed")
		}
	}
	log.Info().Str("path", path).Msg("SQLite store initialized")
	return s, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

// ── Prompt Store ────────────────────────────────────────────

func (s *SQLiteStore) CreatePrompt(ctx context.Context, p *models.Prompt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prompts (id, content, metadata, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Content, mustJSON(p.Metadata, "{}"), formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert prompt: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPrompt(ctx context.Context, id string) (*models.Prompt, error) {
	var p models.Prompt
	var meta, created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, content, metadata, created_at FROM prompts WHERE id = ?`, id).
		Scan(&p.ID, &p.Content, &meta, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "prompt", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get prompt: %w", err)
	}
	_ = json.Unmarshal([]byte(meta), &p.Metadata)
	p.CreatedAt = parseTime(created)
	return &p, nil
}

// ── Plan Store ──────────────────────────────────────────────

func (s *SQLiteStore) CreatePlan(ctx context.Context, p *models.Plan) error {
	if ok, err := s.exists(ctx, `SELECT 1 FROM prompts WHERE id = ?`, p.PromptID); err != nil {
		return err
	} else if !ok {
		return &ErrReference{Entity: "plan", Ref: "prompt", Key: p.PromptID}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plans (id, prompt_id, steps, status, confidence, approval, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.PromptID, mustJSON(p.Steps, "[]"), string(p.Status), p.Confidence,
		nullableJSON(p.Approval), formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

const planColumns = `id, prompt_id, steps, status, confidence, approval, created_at, updated_at`

func scanPlan(row interface{ Scan(...any) error }) (*models.Plan, error) {
	var p models.Plan
	var steps, status, created, updated string
	var approval sql.NullString
	if err := row.Scan(&p.ID, &p.PromptID, &steps, &status, &p.Confidence, &approval, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(steps), &p.Steps); err != nil {
		return nil, fmt.Errorf("decode plan steps: %w", err)
	}
	if approval.Valid && approval.String != "" {
		p.Approval = &models.PlanApproval{}
		if err := json.Unmarshal([]byte(approval.String), p.Approval); err != nil {
			return nil, fmt.Errorf("decode plan approval: %w", err)
		}
	}
	p.Status = models.PlanStatus(status)
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}

func (s *SQLiteStore) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	p, err := scanPlan(s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "plan", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) ListPlans(ctx context.Context, status models.PlanStatus, limit int) ([]models.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, defaultLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var result []models.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) UpdatePlanApproval(ctx context.Context, id string, steps []models.Step, approval *models.PlanApproval) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE plans SET steps = ?, approval = ?, updated_at = ? WHERE id = ?`,
		mustJSON(steps, "[]"), nullableJSON(approval), formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("update plan approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Entity: "plan", Key: id}
	}
	return nil
}

func (s *SQLiteStore) TransitionPlanStatus(ctx context.Context, id string, from []models.PlanStatus, to models.PlanStatus) (models.PlanStatus, bool, error) {
	var current string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM plans WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, &ErrNotFound{Entity: "plan", Key: id}
	}
	if err != nil {
		return "", false, fmt.Errorf("read plan status: %w", err)
	}
	if !containsStatus(from, models.PlanStatus(current)) {
		return models.PlanStatus(current), false, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{string(to), formatTime(time.Now().UTC()), id}
	for _, f := range from {
		args = append(args, string(f))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE plans SET status = ?, updated_at = ? WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return models.PlanStatus(current), false, fmt.Errorf("update plan status: %w", err)
	}
	n, _ := res.RowsAffected()
	return models.PlanStatus(current), n == 1, nil
}

// ── Entity Store ────────────────────────────────────────────

func (s *SQLiteStore) CreateEntity(ctx context.Context, e *models.Entity) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO entities (id, content, embedding, capabilities, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		e.ID, e.Content, nullableJSON(e.Embedding), mustJSON(e.Capabilities, "[]"),
		mustJSON(e.Metadata, "{}"), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert entity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert entity: %w", err)
	}
	if n == 0 {
		return &ErrConflict{Entity: "entity", Key: e.ID}
	}
	return nil
}

const entityColumns = `id, content, embedding, capabilities, metadata, created_at`

func scanEntity(row interface{ Scan(...any) error }) (*models.Entity, error) {
	var e models.Entity
	var embedding sql.NullString
	var caps, meta, created string
	if err := row.Scan(&e.ID, &e.Content, &embedding, &caps, &meta, &created); err != nil {
		return nil, err
	}
	if embedding.Valid && embedding.String != "" {
		_ = json.Unmarshal([]byte(embedding.String), &e.Embedding)
	}
	_ = json.Unmarshal([]byte(caps), &e.Capabilities)
	_ = json.Unmarshal([]byte(meta), &e.Metadata)
	e.CreatedAt = parseTime(created)
	return &e, nil
}

func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	e, err := scanEntity(s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "entity", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) GetEntities(ctx context.Context, ids []string) (map[string]*models.Entity, error) {
	result := make(map[string]*models.Entity, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get entities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		result[e.ID] = e
	}
	return result, rows.Err()
}

func (s *SQLiteStore) ListEntities(ctx context.Context, limit int) ([]models.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entityColumns+` FROM entities ORDER BY seq LIMIT ?`, defaultLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()
	var result []models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

// ── Event Store ─────────────────────────────────────────────

func (s *SQLiteStore) AppendEvent(ctx context.Context, e *models.Event) error {
	if ok, err := s.exists(ctx, `SELECT 1 FROM plans WHERE id = ?`, e.PlanID); err != nil {
		return err
	} else if !ok {
		return &ErrReference{Entity: "event", Ref: "plan", Key: e.PlanID}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, plan_id, step_index, op, produces, consumes, result, error, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.PlanID, e.StepIndex, e.Op, mustJSON(nonNil(e.Produces), "[]"), mustJSON(nonNil(e.Consumes), "[]"),
		nullableJSON(e.Result), e.Error, formatTime(e.Timestamp))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, filter models.EventFilter) ([]models.Event, error) {
	query := `SELECT id, plan_id, step_index, op, produces, consumes, result, error, timestamp FROM events`
	args := []any{}
	if filter.PlanID != "" {
		query += ` WHERE plan_id = ?`
		args = append(args, filter.PlanID)
	}
	query += ` ORDER BY seq`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var result []models.Event
	for rows.Next() {
		var e models.Event
		var produces, consumes, ts string
		var res sql.NullString
		if err := rows.Scan(&e.ID, &e.PlanID, &e.StepIndex, &e.Op, &produces, &consumes, &res, &e.Error, &ts); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(produces), &e.Produces)
		_ = json.Unmarshal([]byte(consumes), &e.Consumes)
		if res.Valid && res.String != "" {
			_ = json.Unmarshal([]byte(res.String), &e.Result)
		}
		e.Timestamp = parseTime(ts)
		result = append(result, e)
	}
	return result, rows.Err()
}

// ── Capability Store ────────────────────────────────────────

func (s *SQLiteStore) ListCapabilities(ctx context.Context) ([]models.Capability, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, scope, description, is_system, created_at, updated_at, metadata FROM capabilities ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list capabilities: %w", err)
	}
	defer rows.Close()
	var result []models.Capability
	for rows.Next() {
		var c models.Capability
		var kind, created, updated, meta string
		if err := rows.Scan(&c.ID, &kind, &c.Scope, &c.Description, &c.IsSystem, &created, &updated, &meta); err != nil {
			return nil, err
		}
		c.Kind = models.CapabilityKind(kind)
		c.CreatedAt = parseTime(created)
		c.UpdatedAt = parseTime(updated)
		_ = json.Unmarshal([]byte(meta), &c.Metadata)
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) UpsertCapability(ctx context.Context, c *models.Capability) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO capabilities (id, kind, scope, description, is_system, created_at, updated_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET kind = excluded.kind, scope = excluded.scope,
		   description = excluded.description, is_system = excluded.is_system,
		   updated_at = excluded.updated_at, metadata = excluded.metadata`,
		c.ID, string(c.Kind), c.Scope, c.Description, c.IsSystem,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt), mustJSON(c.Metadata, "{}"))
	if err != nil {
		return fmt.Errorf("upsert capability: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteCapability(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM capabilities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete capability: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Entity: "capability", Key: id}
	}
	return nil
}

// ── Tool Provider Store ─────────────────────────────────────

const providerColumns = `name, endpoint, transport, auth_config, tools, enabled, created_at, updated_at`

func scanProvider(row interface{ Scan(...any) error }) (*models.ToolProvider, error) {
	var p models.ToolProvider
	var auth, tools, created, updated string
	if err := row.Scan(&p.Name, &p.Endpoint, &p.Transport, &auth, &tools, &p.Enabled, &created, &updated); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(auth), &p.AuthConfig)
	_ = json.Unmarshal([]byte(tools), &p.Tools)
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}

func (s *SQLiteStore) ListToolProviders(ctx context.Context) ([]models.ToolProvider, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+providerColumns+` FROM tool_providers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tool providers: %w", err)
	}
	defer rows.Close()
	var result []models.ToolProvider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) GetToolProvider(ctx context.Context, name string) (*models.ToolProvider, error) {
	p, err := scanProvider(s.db.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM tool_providers WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "tool provider", Key: name}
	}
	if err != nil {
		return nil, fmt.Errorf("get tool provider: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) UpsertToolProvider(ctx context.Context, p *models.ToolProvider) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_providers (`+providerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET endpoint = excluded.endpoint, transport = excluded.transport,
		   auth_config = excluded.auth_config, tools = excluded.tools, enabled = excluded.enabled,
		   updated_at = excluded.updated_at`,
		p.Name, p.Endpoint, p.Transport, mustJSON(p.AuthConfig, "{}"), mustJSON(p.Tools, "[]"),
		p.Enabled, formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert tool provider: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteToolProvider(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tool_providers WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete tool provider: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Entity: "tool provider", Key: name}
	}
	return nil
}

// ── helpers ─────────────────────────────────────────────────

func (s *SQLiteStore) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("existence check: %w", err)
	}
	return true, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func mustJSON(v interface{}, empty string) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return empty
	}
	return string(data)
}

func nullableJSON(v interface{}) sql.NullString {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
