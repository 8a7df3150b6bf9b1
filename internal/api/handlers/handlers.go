// Package handlers implements the HTTP handlers for the planguard control
// plane. Handlers decode requests, call the services and map their errors
// onto status codes; policy violations are always returned as data.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/planguard/control-plane/internal/capability"
	"github.com/planguard/control-plane/internal/collaborator"
	"github.com/planguard/control-plane/internal/eventstream"
	"github.com/planguard/control-plane/internal/execution"
	"github.com/planguard/control-plane/internal/planning"
	"github.com/planguard/control-plane/internal/store"
	"github.com/planguard/control-plane/internal/toolgw"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store      store.Store
	Registry   *capability.Registry
	Operations *capability.OperationMap
	Planning   *planning.Service
	Execution  *execution.Engine
	Gateway    *toolgw.Gateway
	Broker     *eventstream.Broker
}

// New creates a new Handlers instance with all dependencies.
func New(s store.Store, reg *capability.Registry, ops *capability.OperationMap, plan *planning.Service, exec *execution.Engine, gw *toolgw.Gateway, broker *eventstream.Broker) *Handlers {
	return &Handlers{
		Store:      s,
		Registry:   reg,
		Operations: ops,
		Planning:   plan,
		Execution:  exec,
		Gateway:    gw,
		Broker:     broker,
	}
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps a service error onto its status code.
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	respondError(w, status, err.Error())
}

func statusFor(err error) int {
	var nf *store.ErrNotFound
	var ref *store.ErrReference
	var conflict *store.ErrConflict
	switch {
	case errors.As(err, &nf), errors.Is(err, capability.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, capability.ErrDuplicate), errors.As(err, &conflict):
		return http.StatusConflict
	case errors.Is(err, capability.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, execution.ErrApprovalRequired), errors.Is(err, planning.ErrNotPending):
		return http.StatusConflict
	case errors.Is(err, planning.ErrUngrantable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, collaborator.ErrMalformedOutput),
		errors.Is(err, collaborator.ErrUnavailable),
		errors.Is(err, toolgw.ErrProbeFailed):
		return http.StatusBadGateway
	case errors.Is(err, planning.ErrInvalidRequest),
		errors.Is(err, planning.ErrNoPlanner),
		errors.Is(err, capability.ErrInvalid),
		errors.Is(err, toolgw.ErrInvalidProvider),
		errors.As(err, &ref):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
