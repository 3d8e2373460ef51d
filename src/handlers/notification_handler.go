package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/username/brickfolio/backend/src/logger"
	"github.com/username/brickfolio/backend/src/models"
	"github.com/username/brickfolio/backend/src/notifications"
	"github.com/username/brickfolio/backend/src/utils"
)

type NotificationHandler struct {
	dispatcher *notifications.Dispatcher
}

func NewNotificationHandler(dispatcher *notifications.Dispatcher) *NotificationHandler {
	return &NotificationHandler{dispatcher: dispatcher}
}

// HandleGetNotifications lists notifications, optionally restricted to
// one origin ("session" for recent ephemeral ones, "persisted" for the
// durable history).
func (h *NotificationHandler) HandleGetNotifications(w http.ResponseWriter, r *http.Request) {
	account, ok := GetAccountFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var origin models.NotificationOrigin
	switch strings.ToLower(r.URL.Query().Get("origin")) {
	case "":
	case "session":
		origin = models.OriginSession
	case "persisted":
		origin = models.OriginPersisted
	default:
		utils.SendJSONError(w, "origin must be 'session' or 'persisted'", http.StatusBadRequest)
		return
	}

	list, err := h.dispatcher.List(account, origin)
	if err != nil {
		logger.ErrorFromContext(r.Context(), "Notification query failed", "error", err)
		utils.SendJSONError(w, "Error querying notifications", http.StatusInternalServerError)
		return
	}
	utils.WriteJSON(w, http.StatusOK, list)
}

// HandleGetUnreadCount returns the unread badge count for the account.
func (h *NotificationHandler) HandleGetUnreadCount(w http.ResponseWriter, r *http.Request) {
	account, ok := GetAccountFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	count, err := h.dispatcher.UnreadCount(account)
	if err != nil {
		logger.ErrorFromContext(r.Context(), "Unread count failed", "error", err)
		utils.SendJSONError(w, "Error counting notifications", http.StatusInternalServerError)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]int{"unread": count})
}

// HandleMarkRead marks one notification read.
func (h *NotificationHandler) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	account, ok := GetAccountFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	id := chi.URLParam(r, "id")
	err := h.dispatcher.MarkRead(account, id)
	if errors.Is(err, notifications.ErrNotificationNotFound) {
		utils.SendJSONError(w, "notification not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.ErrorFromContext(r.Context(), "Mark read failed", "notificationID", id, "error", err)
		utils.SendJSONError(w, "Error updating notification", http.StatusInternalServerError)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleMarkAllRead zeroes the unread counter for the account.
func (h *NotificationHandler) HandleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	account, ok := GetAccountFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	if err := h.dispatcher.MarkAllRead(account); err != nil {
		logger.ErrorFromContext(r.Context(), "Mark all read failed", "error", err)
		utils.SendJSONError(w, "Error updating notifications", http.StatusInternalServerError)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleDismiss removes a session notification.
func (h *NotificationHandler) HandleDismiss(w http.ResponseWriter, r *http.Request) {
	account, ok := GetAccountFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	id := chi.URLParam(r, "id")
	err := h.dispatcher.Dismiss(account, id)
	if errors.Is(err, notifications.ErrNotificationNotFound) {
		utils.SendJSONError(w, "notification not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.ErrorFromContext(r.Context(), "Dismiss failed", "notificationID", id, "error", err)
		utils.SendJSONError(w, "Error dismissing notification", http.StatusInternalServerError)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStreamNotifications streams notification events as server-sent
// events until the client disconnects.
func (h *NotificationHandler) HandleStreamNotifications(w http.ResponseWriter, r *http.Request) {
	account, ok := GetAccountFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.SendJSONError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, cancel := h.dispatcher.Observe(account)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case notif, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(notif)
			if err != nil {
				logger.ErrorFromContext(r.Context(), "Failed to marshal notification event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: notification\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
