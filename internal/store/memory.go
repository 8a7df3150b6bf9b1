// In-memory Store implementation, used when no relational backend is
// configured (local dev, tests). Supports file-based snapshot persistence so
// data survives restarts.

package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/planguard/control-plane/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Prompts      map[string]*models.Prompt       `json:"prompts"`
	Plans        map[string]*models.Plan         `json:"plans"`
	Entities     map[string]*models.Entity       `json:"entities"`
	EntityOrder  []string                        `json:"entity_order"`
	Events       []*models.Event                 `json:"events"`
	Capabilities map[string]*models.Capability   `json:"capabilities"`
	Providers    map[string]*models.ToolProvider `json:"providers"`
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu           sync.RWMutex
	prompts      map[string]*models.Prompt
	plans        map[string]*models.Plan
	entities     map[string]*models.Entity
	entityOrder  []string        // creation order
	events       []*models.Event // append-only log
	capabilities map[string]*models.Capability
	providers    map[string]*models.ToolProvider

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
	loopDone     chan struct{}
}

// NewMemoryStore creates a new in-memory store. If dataDir is non-empty the
// data is persisted to dataDir/planguard.json.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		prompts:      make(map[string]*models.Prompt),
		plans:        make(map[string]*models.Plan),
		entities:     make(map[string]*models.Entity),
		events:       make([]*models.Event, 0),
		capabilities: make(map[string]*models.Capability),
		providers:    make(map[string]*models.ToolProvider),
		saveCh:       make(chan struct{}, 1),
		doneCh:       make(chan struct{}),
		loopDone:     make(chan struct{}),
	}

	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
		} else {
			m.snapshotPath = filepath.Join(dataDir, "planguard.json")
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	} else {
		close(m.loopDone)
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// saveLoop debounces save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	defer close(m.loopDone)
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			select {
			case <-m.doneCh:
				return
			case <-time.After(500 * time.Millisecond):
			}
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Prompts:      m.prompts,
		Plans:        m.plans,
		Entities:     m.entities,
		EntityOrder:  m.entityOrder,
		Events:       m.events,
		Capabilities: m.capabilities,
		Providers:    m.providers,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}
	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Prompts != nil {
		m.prompts = snap.Prompts
	}
	if snap.Plans != nil {
		m.plans = snap.Plans
	}
	if snap.Entities != nil {
		m.entities = snap.Entities
		m.entityOrder = snap.EntityOrder
	}
	if snap.Events != nil {
		m.events = snap.Events
	}
	if snap.Capabilities != nil {
		m.capabilities = snap.Capabilities
	}
	if snap.Providers != nil {
		m.providers = snap.Providers
	}

	// A plan left executing by a crashed process can never finish.
	for _, p := range m.plans {
		if p.Status == models.PlanExecuting {
			p.Status = models.PlanFailed
			p.UpdatedAt = time.Now().UTC()
			log.Warn().Str("plan_id", p.ID).Msg("Plan was executing at shutdown, marked failed")
		}
	}

	log.Info().
		Int("prompts", len(m.prompts)).
		Int("plans", len(m.plans)).
		Int("entities", len(m.entities)).
		Int("events", len(m.events)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}
	<-m.loopDone

	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final snapshot before shutdown...")
		m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── Prompt Store ────────────────────────────────────────────

func (m *MemoryStore) CreatePrompt(_ context.Context, prompt *models.Prompt) error {
	m.mu.Lock()
	c := *prompt
	c.Metadata = cloneMap(prompt.Metadata)
	m.prompts[prompt.ID] = &c
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetPrompt(_ context.Context, id string) (*models.Prompt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prompts[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "prompt", Key: id}
	}
	c := *p
	c.Metadata = cloneMap(p.Metadata)
	return &c, nil
}

// ── Plan Store ──────────────────────────────────────────────

func (m *MemoryStore) CreatePlan(_ context.Context, plan *models.Plan) error {
	m.mu.Lock()
	if _, ok := m.prompts[plan.PromptID]; !ok {
		m.mu.Unlock()
		return &ErrReference{Entity: "plan", Ref: "prompt", Key: plan.PromptID}
	}
	m.plans[plan.ID] = clonePlan(plan)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetPlan(_ context.Context, id string) (*models.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "plan", Key: id}
	}
	return clonePlan(p), nil
}

func (m *MemoryStore) ListPlans(_ context.Context, status models.PlanStatus, limit int) ([]models.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Plan
	for _, p := range m.plans {
		if status == "" || p.Status == status {
			result = append(result, *clonePlan(p))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if n := defaultLimit(limit); len(result) > n {
		result = result[:n]
	}
	return result, nil
}

func (m *MemoryStore) UpdatePlanApproval(_ context.Context, id string, steps []models.Step, approval *models.PlanApproval) error {
	m.mu.Lock()
	p, ok := m.plans[id]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "plan", Key: id}
	}
	tmp := clonePlan(&models.Plan{Steps: steps, Approval: approval})
	p.Steps = tmp.Steps
	p.Approval = tmp.Approval
	p.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) TransitionPlanStatus(_ context.Context, id string, from []models.PlanStatus, to models.PlanStatus) (models.PlanStatus, bool, error) {
	m.mu.Lock()
	p, ok := m.plans[id]
	if !ok {
		m.mu.Unlock()
		return "", false, &ErrNotFound{Entity: "plan", Key: id}
	}
	current := p.Status
	if !containsStatus(from, current) {
		m.mu.Unlock()
		return current, false, nil
	}
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()
	m.requestSave()
	return current, true, nil
}

// ── Entity Store ────────────────────────────────────────────

func (m *MemoryStore) CreateEntity(_ context.Context, entity *models.Entity) error {
	m.mu.Lock()
	if _, exists := m.entities[entity.ID]; exists {
		m.mu.Unlock()
		return &ErrConflict{Entity: "entity", Key: entity.ID}
	}
	m.entityOrder = append(m.entityOrder, entity.ID)
	m.entities[entity.ID] = cloneEntity(entity)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetEntity(_ context.Context, id string) (*models.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "entity", Key: id}
	}
	return cloneEntity(e), nil
}

func (m *MemoryStore) GetEntities(_ context.Context, ids []string) (map[string]*models.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]*models.Entity, len(ids))
	for _, id := range ids {
		if e, ok := m.entities[id]; ok {
			result[id] = cloneEntity(e)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListEntities(_ context.Context, limit int) ([]models.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := defaultLimit(limit)
	var result []models.Entity
	for _, id := range m.entityOrder {
		if len(result) >= n {
			break
		}
		if e, ok := m.entities[id]; ok {
			result = append(result, *cloneEntity(e))
		}
	}
	return result, nil
}

// ── Event Store ─────────────────────────────────────────────

func (m *MemoryStore) AppendEvent(_ context.Context, event *models.Event) error {
	m.mu.Lock()
	if _, ok := m.plans[event.PlanID]; !ok {
		m.mu.Unlock()
		return &ErrReference{Entity: "event", Ref: "plan", Key: event.PlanID}
	}
	c := *event
	c.Produces = append([]string{}, event.Produces...)
	c.Consumes = append([]string{}, event.Consumes...)
	m.events = append(m.events, &c)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, filter models.EventFilter) ([]models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Event
	for _, e := range m.events {
		if filter.PlanID != "" && e.PlanID != filter.PlanID {
			continue
		}
		result = append(result, *e)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

// ── Capability Store ────────────────────────────────────────

func (m *MemoryStore) ListCapabilities(_ context.Context) ([]models.Capability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.Capability, 0, len(m.capabilities))
	for _, c := range m.capabilities {
		cp := *c
		cp.Metadata = cloneMap(c.Metadata)
		result = append(result, cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) UpsertCapability(_ context.Context, c *models.Capability) error {
	m.mu.Lock()
	cp := *c
	cp.Metadata = cloneMap(c.Metadata)
	m.capabilities[c.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteCapability(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.capabilities[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "capability", Key: id}
	}
	delete(m.capabilities, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Tool Provider Store ─────────────────────────────────────

func (m *MemoryStore) ListToolProviders(_ context.Context) ([]models.ToolProvider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.ToolProvider, 0, len(m.providers))
	for _, p := range m.providers {
		result = append(result, *cloneProvider(p))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (m *MemoryStore) GetToolProvider(_ context.Context, name string) (*models.ToolProvider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[name]
	if !ok {
		return nil, &ErrNotFound{Entity: "tool provider", Key: name}
	}
	return cloneProvider(p), nil
}

func (m *MemoryStore) UpsertToolProvider(_ context.Context, p *models.ToolProvider) error {
	m.mu.Lock()
	m.providers[p.Name] = cloneProvider(p)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteToolProvider(_ context.Context, name string) error {
	m.mu.Lock()
	if _, ok := m.providers[name]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "tool provider", Key: name}
	}
	delete(m.providers, name)
	m.mu.Unlock()
	m.requestSave()
	return nil
}
