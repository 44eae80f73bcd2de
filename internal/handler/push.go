package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/teamline/internal/logger"
	"github.com/teamline/internal/push"
)

// PushHandler manages browser push subscriptions.
type PushHandler struct {
	store       push.SubscriptionStore
	vapidPublic string
}

func NewPushHandler(store push.SubscriptionStore, vapidPublic string) *PushHandler {
	return &PushHandler{store: store, vapidPublic: vapidPublic}
}

// VAPIDPublic hands the public key to browsers for PushManager.subscribe.
func (h *PushHandler) VAPIDPublic(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.vapidPublic})
}

func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var sub push.Subscription
	if err := decodeBody(r, &sub); err != nil || sub.UserID == "" || sub.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "user_id and endpoint required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := h.store.Save(ctx, sub); err != nil {
		logger.Errorf("push subscribe user=%s: %v", sub.UserID, err)
		writeError(w, http.StatusInternalServerError, "failed to save subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := decodeBody(r, &req); err != nil || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := h.store.Delete(ctx, req.Endpoint); err != nil {
		logger.Errorf("push unsubscribe: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
