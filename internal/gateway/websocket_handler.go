package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// WebSocketHandler handles websocket upgrade requests for canvas connections.
type WebSocketHandler struct {
	connectionManager *ConnectionManager
}

// NewWebSocketHandler creates a new websocket handler.
func NewWebSocketHandler(cm *ConnectionManager) *WebSocketHandler {
	return &WebSocketHandler{connectionManager: cm}
}

// HandleCanvasConnection upgrades a client onto a canvas's connection pool.
func (h *WebSocketHandler) HandleCanvasConnection(w http.ResponseWriter, r *http.Request) {
	canvasIDStr := r.URL.Query().Get("canvas_id")
	if canvasIDStr == "" {
		http.Error(w, "canvas_id is required", http.StatusBadRequest)
		return
	}

	canvasID, err := uuid.Parse(canvasIDStr)
	if err != nil {
		http.Error(w, "invalid canvas_id format", http.StatusBadRequest)
		return
	}

	// In production the user id comes from the session; anonymous
	// connections get a throwaway identity.
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = "anon-" + uuid.New().String()[:8]
	}

	if err := h.connectionManager.UpgradeConnection(w, r, userID, canvasID); err != nil {
		log.Error().
			Err(err).
			Str("canvas_id", canvasID.String()).
			Str("user_id", userID).
			Msg("failed to upgrade websocket connection")
		http.Error(w, "failed to upgrade connection", http.StatusInternalServerError)
		return
	}
}

// HandleConnectionStats returns statistics about active connections.
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.connectionManager.GetConnectionStats()); err != nil {
		log.Error().Err(err).Msg("failed to encode connection stats")
	}
}

// RegisterRoutes registers websocket routes with an HTTP mux.
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/canvas", h.HandleCanvasConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
