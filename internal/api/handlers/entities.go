package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/planguard/control-plane/internal/refscan"
	"github.com/planguard/control-plane/pkg/models"
)

// ══════════════════════════════════════════════════════════════
// ── Entity Handlers ──────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListEntities(w http.ResponseWriter, r *http.Request) {
	entities, err := h.Store.ListEntities(r.Context(), queryInt(r, "limit", 0))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if entities == nil {
		entities = []models.Entity{}
	}
	respondJSON(w, http.StatusOK, entities)
}

// CreateEntity registers a pre-existing data item. Every tag must be a
// registered DataCap.
func (h *Handlers) CreateEntity(w http.ResponseWriter, r *http.Request) {
	var req models.Entity
	if !decode(w, r, &req) {
		return
	}

	switch {
	case req.ID == "":
		req.ID = uuid.NewString()
	case !refscan.IsEntityID(req.ID):
		respondError(w, http.StatusBadRequest, "entity id must be a UUID")
		return
	default:
		req.ID = strings.ToLower(req.ID)
	}

	snap := h.Registry.Snapshot()
	for _, tag := range req.Capabilities {
		if !snap.Has(tag, models.DataCap) {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("capability %q is not a registered DataCap", tag))
			return
		}
	}
	if req.Capabilities == nil {
		req.Capabilities = []string{}
	}
	req.CreatedAt = time.Now().UTC()

	if err := h.Store.CreateEntity(r.Context(), &req); err != nil {
		respondErr(w, r, err)
		return
	}
	log.Info().Str("entity_id", req.ID).Strs("capabilities", req.Capabilities).Msg("Entity registered")
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) GetEntity(w http.ResponseWriter, r *http.Request) {
	e, err := h.Store.GetEntity(r.Context(), strings.ToLower(chi.URLParam(r, "entityId")))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

// ══════════════════════════════════════════════════════════════
// ── Event Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Store.ListEvents(r.Context(), models.EventFilter{
		PlanID: r.URL.Query().Get("plan_id"),
		Limit:  queryInt(r, "limit", 0),
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	respondJSON(w, http.StatusOK, events)
}

// StreamEvents is an SSE feed of newly appended events, optionally limited
// to one plan with ?plan_id=.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "SSE not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	planID := r.URL.Query().Get("plan_id")
	ch, cancel := h.Broker.Subscribe(planID)
	defer cancel()

	hello, _ := json.Marshal(map[string]string{"plan_id": planID})
	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", hello)
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "id: %s\nevent: step\ndata: %s\n\n", ev.ID, data)
			flusher.Flush()

		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
