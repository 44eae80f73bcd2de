package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/teamline/internal/logger"
	"github.com/teamline/internal/storage"
)

// PresenceHandler reports whether a user is currently online.
type PresenceHandler struct {
	presence storage.PresenceStore
}

func NewPresenceHandler(presence storage.PresenceStore) *PresenceHandler {
	return &PresenceHandler{presence: presence}
}

func (h *PresenceHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user id required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	online, err := h.presence.IsOnline(ctx, userID)
	if err != nil {
		logger.Errorf("presence get user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "presence lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "online": online})
}
