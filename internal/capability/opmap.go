package capability

import (
	"sort"
	"sync"

	"github.com/planguard/control-plane/pkg/models"
)

// OperationMap maps an operation name to the tool-capabilities it requires.
// Operations without an entry require nothing.
type OperationMap struct {
	mu        sync.RWMutex
	reqs      map[string][]string
	providers map[string]string // op → tool provider that registered it
}

func NewOperationMap(defaults map[string][]string) *OperationMap {
	m := &OperationMap{
		reqs:      make(map[string][]string, len(defaults)),
		providers: make(map[string]string),
	}
	for op, caps := range defaults {
		m.reqs[op] = dedupe(caps)
	}
	return m
}

// RequiredToolCaps returns a copy of the requirement for op (never nil).
func (m *OperationMap) RequiredToolCaps(op string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string{}, m.reqs[op]...)
}

// Register sets the requirement for op. The last registration wins.
// provider is empty for built-in or administrative entries.
func (m *OperationMap) Register(op string, caps []string, provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reqs[op] = dedupe(caps)
	if provider == "" {
		delete(m.providers, op)
	} else {
		m.providers[op] = provider
	}
}

// Unregister removes op if it is still owned by provider.
func (m *OperationMap) Unregister(op, provider string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.providers[op] != provider {
		return false
	}
	delete(m.reqs, op)
	delete(m.providers, op)
	return true
}

// Provider returns the tool provider that owns op, if any.
func (m *OperationMap) Provider(op string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[op]
	return p, ok
}

// List returns all operations sorted by name.
func (m *OperationMap) List() []models.OperationInfo {
	m.mu.RLock()
	result := make([]models.OperationInfo, 0, len(m.reqs))
	for op, caps := range m.reqs {
		result = append(result, models.OperationInfo{
			Op:       op,
			Requires: append([]string{}, caps...),
			Provider: m.providers[op],
		})
	}
	m.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].Op < result[j].Op })
	return result
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
