package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/paintbox/internal/canvas"
	"github.com/mcdev12/paintbox/internal/models"
)

// CanvasAdmin is the canvas lifecycle surface behind the HTTP API.
type CanvasAdmin interface {
	CanvasReader
	CreateCanvas(ctx context.Context, req canvas.CreateCanvasRequest) (*models.Canvas, error)
	ListActiveCanvases(ctx context.Context) ([]models.Canvas, error)
}

// RoundEnder force-terminates a round.
type RoundEnder interface {
	ForceEnd(ctx context.Context, canvasID uuid.UUID) bool
}

// QueryHandler serves the HTTP query surface next to the websocket channel:
// grid snapshots, cooldown queries, canvas administration.
type QueryHandler struct {
	canvases  CanvasAdmin
	cooldowns CooldownReader
	rounds    RoundEnder
}

// NewQueryHandler creates the HTTP query handler.
func NewQueryHandler(canvases CanvasAdmin, cooldowns CooldownReader, rounds RoundEnder) *QueryHandler {
	return &QueryHandler{canvases: canvases, cooldowns: cooldowns, rounds: rounds}
}

// RegisterRoutes registers the query surface on mux.
func (h *QueryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /canvas", h.handleListCanvases)
	mux.HandleFunc("POST /canvas", h.handleCreateCanvas)
	mux.HandleFunc("GET /canvas/{id}/pixels", h.handleGetAllPixels)
	mux.HandleFunc("GET /canvas/{id}/cooldown", h.handleGetCooldown)
	mux.HandleFunc("POST /canvas/{id}/end", h.handleForceEnd)
	mux.HandleFunc("GET /health", h.handleHealth)
}

func (h *QueryHandler) canvasID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid canvas id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func (h *QueryHandler) handleListCanvases(w http.ResponseWriter, r *http.Request) {
	canvases, err := h.canvases.ListActiveCanvases(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list canvases")
		http.Error(w, "failed to list canvases", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, canvases)
}

func (h *QueryHandler) handleCreateCanvas(w http.ResponseWriter, r *http.Request) {
	var req canvas.CreateCanvasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cv, err := h.canvases.CreateCanvas(r.Context(), req)
	if err != nil {
		log.Error().Err(err).Msg("failed to create canvas")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, cv)
}

func (h *QueryHandler) handleGetAllPixels(w http.ResponseWriter, r *http.Request) {
	id, ok := h.canvasID(w, r)
	if !ok {
		return
	}

	pixels, err := h.canvases.GetAllPixels(r.Context(), id)
	if err != nil {
		if errors.Is(err, canvas.ErrCanvasNotFound) {
			http.Error(w, "canvas not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Str("canvas_id", id.String()).Msg("failed to load pixels")
		http.Error(w, "failed to load pixels", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pixels": pixels})
}

func (h *QueryHandler) handleGetCooldown(w http.ResponseWriter, r *http.Request) {
	id, ok := h.canvasID(w, r)
	if !ok {
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, CooldownInfoPayload{
		RemainingMs: h.cooldowns.Remaining(userID, id.String()).Milliseconds(),
	})
}

func (h *QueryHandler) handleForceEnd(w http.ResponseWriter, r *http.Request) {
	id, ok := h.canvasID(w, r)
	if !ok {
		return
	}

	ended := h.rounds.ForceEnd(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]bool{"ended": ended})
}

func (h *QueryHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
