// Package toolgw connects external MCP tool providers to the control plane.
//
// A provider is probed with tools/list when it is added. Every tool it
// exposes becomes:
//   - a custom ToolCap "tool:<provider>.<tool>" scoped to the provider
//   - an operation "<tool>" requiring that capability
//
// Steps whose operation belongs to a provider are executed with a JSON-RPC
// 2.0 tools/call against the provider endpoint.
package toolgw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/planguard/control-plane/internal/capability"
	"github.com/planguard/control-plane/internal/collaborator"
	"github.com/planguard/control-plane/internal/store"
	"github.com/planguard/control-plane/pkg/models"
)

var (
	ErrInvalidProvider = errors.New("invalid tool provider")
	ErrProbeFailed     = errors.New("tool provider probe failed")
)

// Gateway manages tool providers and invokes their tools.
type Gateway struct {
	store        store.ToolProviderStore
	registry     *capability.Registry
	ops          *capability.OperationMap
	client       *http.Client
	probeTimeout time.Duration

	mu        sync.RWMutex
	providers map[string]*models.ToolProvider
	tools     map[string]route // op → provider tool
}

type route struct {
	provider string
	tool     string
}

// NewGateway creates a gateway. probeTimeout bounds the whole tools/list
// probe including retries.
func NewGateway(s store.ToolProviderStore, registry *capability.Registry, ops *capability.OperationMap, probeTimeout time.Duration) *Gateway {
	if probeTimeout <= 0 {
		probeTimeout = 10 * time.Second
	}
	return &Gateway{
		store:        s,
		registry:     registry,
		ops:          ops,
		client:       &http.Client{Timeout: 30 * time.Second},
		probeTimeout: probeTimeout,
		providers:    make(map[string]*models.ToolProvider),
		tools:        make(map[string]route),
	}
}

// CapabilityID is the capability a provider tool is registered under.
func CapabilityID(provider, tool string) string {
	return "tool:" + provider + "." + tool
}

// AddProvider probes the provider, registers its tools and persists it.
// Adding a provider that already exists replaces its tool set.
func (gw *Gateway) AddProvider(ctx context.Context, p models.ToolProvider) (*models.ToolProvider, error) {
	if err := validate(&p); err != nil {
		return nil, err
	}

	infos, err := gw.probe(ctx, &p)
	if err != nil {
		return nil, err
	}

	gw.mu.RLock()
	old := gw.providers[p.Name]
	gw.mu.RUnlock()
	if old != nil {
		gw.unregister(ctx, old)
	}

	now := time.Now().UTC()
	if old != nil {
		p.CreatedAt = old.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p.Enabled = true
	if err := gw.register(ctx, &p, infos); err != nil {
		return nil, err
	}

	if gw.store != nil {
		if err := gw.store.UpsertToolProvider(ctx, &p); err != nil {
			gw.unregister(ctx, &p)
			return nil, fmt.Errorf("persist tool provider: %w", err)
		}
	}

	log.Info().Str("provider", p.Name).Int("tools", len(p.Tools)).Str("endpoint", p.Endpoint).Msg("🔌 Tool provider registered")
	out := p
	return &out, nil
}

// RemoveProvider unregisters the provider's capabilities and operations and
// deletes its record.
func (gw *Gateway) RemoveProvider(ctx context.Context, name string) error {
	gw.mu.RLock()
	p := gw.providers[name]
	gw.mu.RUnlock()
	if p == nil {
		return &store.ErrNotFound{Entity: "tool_provider", Key: name}
	}

	gw.unregister(ctx, p)
	if gw.store != nil {
		if err := gw.store.DeleteToolProvider(ctx, name); err != nil {
			var nf *store.ErrNotFound
			if !errors.As(err, &nf) {
				return fmt.Errorf("delete tool provider: %w", err)
			}
		}
	}
	log.Info().Str("provider", name).Msg("Tool provider removed")
	return nil
}

// Restore re-probes every persisted provider concurrently. Providers that
// fail the probe are logged and left unregistered.
func (gw *Gateway) Restore(ctx context.Context) error {
	if gw.store == nil {
		return nil
	}
	persisted, err := gw.store.ListToolProviders(ctx)
	if err != nil {
		return fmt.Errorf("list tool providers: %w", err)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(8)
	for i := range persisted {
		p := persisted[i]
		if !p.Enabled {
			continue
		}
		eg.Go(func() error {
			if _, err := gw.AddProvider(egCtx, p); err != nil {
				log.Warn().Err(err).Str("provider", p.Name).Msg("Tool provider unavailable at startup")
			}
			return nil
		})
	}
	return eg.Wait()
}

// ListProviders returns registered providers sorted by name.
func (gw *Gateway) ListProviders() []models.ToolProvider {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	out := make([]models.ToolProvider, 0, len(gw.providers))
	for _, p := range gw.providers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListTools returns every tool across providers as operations.
func (gw *Gateway) ListTools() []models.OperationInfo {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	out := make([]models.OperationInfo, 0, len(gw.tools))
	for op, r := range gw.tools {
		out = append(out, models.OperationInfo{
			Op:       op,
			Requires: []string{CapabilityID(r.provider, r.tool)},
			Provider: r.provider,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Op < out[j].Op })
	return out
}

// Handles reports whether op is served by a provider tool.
func (gw *Gateway) Handles(op string) bool {
	gw.mu.RLock()
	r, ok := gw.tools[op]
	gw.mu.RUnlock()
	if !ok {
		return false
	}
	owner, owned := gw.ops.Provider(op)
	return owned && owner == r.provider
}

// Execute calls the provider tool behind step.Op.
func (gw *Gateway) Execute(ctx context.Context, step models.Step, _ map[string]interface{}) (*collaborator.ExecutionOutput, error) {
	gw.mu.RLock()
	r, ok := gw.tools[step.Op]
	p := gw.providers[r.provider]
	gw.mu.RUnlock()
	if !ok || p == nil {
		return nil, fmt.Errorf("no tool provider serves %q", step.Op)
	}

	params, err := json.Marshal(models.MCPToolCallParams{Name: r.tool, Arguments: step.Args})
	if err != nil {
		return nil, fmt.Errorf("encode %s arguments: %w", step.Op, err)
	}
	raw, err := gw.call(ctx, p, "tools/call", params)
	if err != nil {
		return nil, err
	}

	var res models.MCPToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("%w: tools/call result: %v", collaborator.ErrMalformedOutput, err)
	}
	text := joinText(res.Content)
	if res.IsError {
		if strings.TrimSpace(text) == "" {
			text = fmt.Sprintf("tool %s reported an error", CapabilityID(r.provider, r.tool))
		}
		return &collaborator.ExecutionOutput{Error: text}, nil
	}

	var result interface{} = text
	var structured interface{}
	if json.Unmarshal([]byte(text), &structured) == nil {
		result = structured
	}
	return &collaborator.ExecutionOutput{Result: result}, nil
}

// ── Probe / registration ────────────────────────────────────

func (gw *Gateway) probe(ctx context.Context, p *models.ToolProvider) ([]models.MCPToolInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, gw.probeTimeout)
	defer cancel()

	var tools []models.MCPToolInfo
	op := func() error {
		raw, err := gw.call(ctx, p, "tools/list", nil)
		if err != nil {
			var rpcErr *rpcError
			if errors.As(err, &rpcErr) {
				return backoff.Permanent(err)
			}
			return err
		}
		var list struct {
			Tools []models.MCPToolInfo `json:"tools"`
		}
		if err := json.Unmarshal(raw, &list); err != nil {
			return backoff.Permanent(fmt.Errorf("decode tools/list: %w", err))
		}
		tools = list.Tools
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = gw.probeTimeout
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx)); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrProbeFailed, p.Name, err)
	}

	for _, t := range tools {
		if strings.TrimSpace(t.Name) == "" {
			return nil, fmt.Errorf("%w: %s lists a tool without a name", ErrProbeFailed, p.Name)
		}
	}
	return tools, nil
}

func (gw *Gateway) register(ctx context.Context, p *models.ToolProvider, infos []models.MCPToolInfo) error {
	p.Tools = make([]models.ProviderTool, 0, len(infos))
	var added []models.ProviderTool
	for _, info := range infos {
		capID := CapabilityID(p.Name, info.Name)
		_, err := gw.registry.Add(ctx, models.Capability{
			ID:          capID,
			Kind:        models.ToolCap,
			Scope:       p.Name,
			Description: info.Description,
			Metadata:    map[string]interface{}{"provider": p.Name, "tool": info.Name},
		}, false, true)
		if err != nil {
			for _, t := range added {
				gw.registry.Remove(ctx, t.Capability)
			}
			return fmt.Errorf("register capability %s: %w", capID, err)
		}
		pt := models.ProviderTool{
			Name:        info.Name,
			Description: info.Description,
			InputSchema: info.InputSchema,
			Capability:  capID,
		}
		added = append(added, pt)
		p.Tools = append(p.Tools, pt)
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	for _, t := range p.Tools {
		gw.ops.Register(t.Name, []string{t.Capability}, p.Name)
		gw.tools[t.Name] = route{provider: p.Name, tool: t.Name}
	}
	gw.providers[p.Name] = p
	return nil
}

func (gw *Gateway) unregister(ctx context.Context, p *models.ToolProvider) {
	gw.mu.Lock()
	for _, t := range p.Tools {
		gw.ops.Unregister(t.Name, p.Name)
		if r, ok := gw.tools[t.Name]; ok && r.provider == p.Name {
			delete(gw.tools, t.Name)
		}
	}
	delete(gw.providers, p.Name)
	gw.mu.Unlock()

	for _, t := range p.Tools {
		if _, err := gw.registry.Remove(ctx, t.Capability); err != nil {
			log.Warn().Err(err).Str("capability", t.Capability).Msg("Failed to remove provider capability")
		}
	}
}

func validate(p *models.ToolProvider) error {
	p.Name = strings.TrimSpace(p.Name)
	switch {
	case p.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidProvider)
	case strings.ContainsAny(p.Name, "./ "):
		return fmt.Errorf("%w: name %q must not contain '.', '/' or spaces", ErrInvalidProvider, p.Name)
	case !strings.HasPrefix(p.Endpoint, "http://") && !strings.HasPrefix(p.Endpoint, "https://"):
		return fmt.Errorf("%w: endpoint must be an http(s) URL", ErrInvalidProvider)
	}
	if p.Transport == "" {
		p.Transport = "http"
	}
	if p.Transport != "http" {
		return fmt.Errorf("%w: unsupported transport %q", ErrInvalidProvider, p.Transport)
	}
	return nil
}

// ── JSON-RPC transport ──────────────────────────────────────

type rpcError struct{ *models.MCPError }

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// call sends one JSON-RPC request and returns the raw result.
func (gw *Gateway) call(ctx context.Context, p *models.ToolProvider, method string, params json.RawMessage) (json.RawMessage, error) {
	body, err := json.Marshal(models.MCPRequest{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  params,
		ID:      uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	applyAuth(req, p.AuthConfig)

	resp, err := gw.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", collaborator.ErrUnavailable, p.Name, method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s %s returned HTTP %d", collaborator.ErrUnavailable, p.Name, method, resp.StatusCode)
	}

	var rpcResp models.MCPResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", collaborator.ErrMalformedOutput, method, err)
	}
	if rpcResp.Error != nil {
		return nil, &rpcError{rpcResp.Error}
	}
	return rpcResp.Result, nil
}

// applyAuth adds authentication headers based on the provider auth config.
func applyAuth(req *http.Request, authConfig map[string]interface{}) {
	if authConfig == nil {
		return
	}
	authType, _ := authConfig["type"].(string)
	switch authType {
	case "bearer":
		if token, ok := authConfig["token"].(string); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	case "api-key", "api_key":
		header, _ := authConfig["header"].(string)
		key, _ := authConfig["key"].(string)
		if header != "" && key != "" {
			req.Header.Set(header, key)
		}
	case "basic":
		user, _ := authConfig["username"].(string)
		pass, _ := authConfig["password"].(string)
		req.SetBasicAuth(user, pass)
	}
}

func joinText(content []models.MCPContent) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		if c.Type == "text" || c.Type == "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}
