package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/planguard/control-plane/internal/replay"
	"github.com/planguard/control-plane/pkg/models"
)

// ══════════════════════════════════════════════════════════════
// ── Prompt Handlers ──────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) SubmitPrompt(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitPromptRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := h.Planning.SubmitPrompt(r.Context(), req)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	status := http.StatusCreated
	if resp.PlanID == "" {
		status = http.StatusOK
	}
	respondJSON(w, status, resp)
}

func (h *Handlers) GetPrompt(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.GetPrompt(r.Context(), chi.URLParam(r, "promptId"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// ══════════════════════════════════════════════════════════════
// ── Plan Handlers ────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListPlans(w http.ResponseWriter, r *http.Request) {
	status := models.PlanStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.PlanPending, models.PlanExecuting, models.PlanCompleted, models.PlanFailed:
	default:
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}
	plans, err := h.Store.ListPlans(r.Context(), status, queryInt(r, "limit", 0))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if plans == nil {
		plans = []models.Plan{}
	}
	respondJSON(w, http.StatusOK, plans)
}

func (h *Handlers) GetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.Store.GetPlan(r.Context(), chi.URLParam(r, "planId"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

func (h *Handlers) ValidatePlan(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planId")
	violations, err := h.Planning.Revalidate(r.Context(), planID)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"plan_id":    planID,
		"valid":      len(violations) == 0,
		"blocked":    models.Blocking(violations),
		"violations": violations,
	})
}

type approveRequest struct {
	ApprovedBy string `json:"approved_by"`
}

func (h *Handlers) ApprovePlan(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
			return
		}
	}
	plan, err := h.Planning.ApprovePlan(r.Context(), chi.URLParam(r, "planId"), req.ApprovedBy)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

func (h *Handlers) ExecutePlan(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planId")
	summary, err := h.Execution.Execute(r.Context(), planID)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	log.Info().Str("plan_id", planID).Str("status", string(summary.Status)).Msg("Execute request handled")
	respondJSON(w, http.StatusOK, summary)
}

func (h *Handlers) PlanEvents(w http.ResponseWriter, r *http.Request) {
	events, ok := h.planEvents(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, events)
}

func (h *Handlers) PlanLineage(w http.ResponseWriter, r *http.Request) {
	events, ok := h.planEvents(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, replay.Derive(events))
}

func (h *Handlers) planEvents(w http.ResponseWriter, r *http.Request) ([]models.Event, bool) {
	planID := chi.URLParam(r, "planId")
	if _, err := h.Store.GetPlan(r.Context(), planID); err != nil {
		respondErr(w, r, err)
		return nil, false
	}
	events, err := h.Store.ListEvents(r.Context(), models.EventFilter{PlanID: planID})
	if err != nil {
		respondErr(w, r, err)
		return nil, false
	}
	if events == nil {
		events = []models.Event{}
	}
	return events, true
}
