package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/planguard/control-plane/pkg/models"
)

// ══════════════════════════════════════════════════════════════
// ── Capability Handlers ──────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListCapabilities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var caps []models.Capability
	switch {
	case q.Get("kind") != "":
		caps = h.Registry.ListByKind(models.CapabilityKind(q.Get("kind")))
	case q.Get("scope") != "":
		caps = h.Registry.ListByScope(q.Get("scope"))
	default:
		caps = h.Registry.List()
	}
	if caps == nil {
		caps = []models.Capability{}
	}
	respondJSON(w, http.StatusOK, caps)
}

func (h *Handlers) CreateCapability(w http.ResponseWriter, r *http.Request) {
	var req models.Capability
	if !decode(w, r, &req) {
		return
	}
	c, err := h.Registry.Add(r.Context(), req, false, false)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	log.Info().Str("capability", c.ID).Str("kind", string(c.Kind)).Msg("Capability registered")
	respondJSON(w, http.StatusCreated, c)
}

func (h *Handlers) GetCapability(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "capabilityId")
	c, ok := h.Registry.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "capability not found: "+id)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (h *Handlers) UpdateCapability(w http.ResponseWriter, r *http.Request) {
	var req models.Capability
	if !decode(w, r, &req) {
		return
	}
	req.ID = chi.URLParam(r, "capabilityId")
	c, err := h.Registry.Update(r.Context(), req)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (h *Handlers) DeleteCapability(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "capabilityId")
	existed, err := h.Registry.Remove(r.Context(), id)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if !existed {
		respondError(w, http.StatusNotFound, "capability not found: "+id)
		return
	}
	log.Info().Str("capability", id).Msg("Capability removed")
	w.WriteHeader(http.StatusNoContent)
}

// ══════════════════════════════════════════════════════════════
// ── Operation Handlers ───────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListOperations(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Operations.List())
}

type operationRequest struct {
	Requires []string `json:"requires"`
}

// PutOperation sets the tool-capabilities an operation requires. Every
// requirement must be a registered ToolCap.
func (h *Handlers) PutOperation(w http.ResponseWriter, r *http.Request) {
	op := strings.TrimSpace(chi.URLParam(r, "op"))
	if op == "" {
		respondError(w, http.StatusBadRequest, "operation name is required")
		return
	}
	var req operationRequest
	if !decode(w, r, &req) {
		return
	}
	snap := h.Registry.Snapshot()
	for _, c := range req.Requires {
		if !snap.Has(c, models.ToolCap) {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("capability %q is not a registered ToolCap", c))
			return
		}
	}
	h.Operations.Register(op, req.Requires, "")
	log.Info().Str("op", op).Strs("requires", req.Requires).Msg("Operation requirement registered")
	respondJSON(w, http.StatusOK, models.OperationInfo{Op: op, Requires: h.Operations.RequiredToolCaps(op)})
}

// ══════════════════════════════════════════════════════════════
// ── Tool Provider Handlers ───────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListToolProviders(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Gateway.ListProviders())
}

// ListTools returns every tool discovered across providers.
func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Gateway.ListTools())
}

func (h *Handlers) AddToolProvider(w http.ResponseWriter, r *http.Request) {
	var req models.ToolProvider
	if !decode(w, r, &req) {
		return
	}
	p, err := h.Gateway.AddProvider(r.Context(), req)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

func (h *Handlers) RemoveToolProvider(w http.ResponseWriter, r *http.Request) {
	if err := h.Gateway.RemoveProvider(r.Context(), chi.URLParam(r, "name")); err != nil {
		respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
