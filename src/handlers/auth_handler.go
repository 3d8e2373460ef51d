package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/username/brickfolio/backend/src/logger"
	"github.com/username/brickfolio/backend/src/security"
	"github.com/username/brickfolio/backend/src/utils"
)

type AuthHandler struct {
	authService *security.AuthService
}

func NewAuthHandler(authService *security.AuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

type sessionRequest struct {
	Account string `json:"account"`
}

type sessionResponse struct {
	Token string `json:"token"`
}

// HandleCreateSession issues a session token for a ledger account.
// Wallet-level proof of ownership happens outside this service; this
// endpoint only binds the asserted address to a session.
func (h *AuthHandler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	account := strings.TrimSpace(req.Account)
	if account == "" {
		utils.SendJSONError(w, "account is required", http.StatusBadRequest)
		return
	}

	token, err := h.authService.CreateSessionToken(account)
	if err != nil {
		logger.ErrorFromContext(r.Context(), "Failed to create session token", "error", err)
		utils.SendJSONError(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	logger.InfoFromContext(r.Context(), "Session created", "account", account)
	utils.WriteJSON(w, http.StatusOK, sessionResponse{Token: token})
}
