package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/username/brickfolio/backend/src/flows"
	"github.com/username/brickfolio/backend/src/logger"
	"github.com/username/brickfolio/backend/src/models"
	"github.com/username/brickfolio/backend/src/utils"
)

type StakeHandler struct {
	flowService *flows.Service
}

func NewStakeHandler(flowService *flows.Service) *StakeHandler {
	return &StakeHandler{flowService: flowService}
}

// HandleGetStakeStatus reports the account's position in a property
// together with the lock evaluation.
func (h *StakeHandler) HandleGetStakeStatus(w http.ResponseWriter, r *http.Request) {
	account, ok := GetAccountFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	propertyID := chi.URLParam(r, "propertyID")
	status, err := h.flowService.StakeStatus(account, propertyID)
	if errors.Is(err, models.ErrStakePositionNotFound) {
		utils.SendJSONError(w, "no stake position for this property", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.ErrorFromContext(r.Context(), "Stake status failed", "propertyID", propertyID, "error", err)
		utils.SendJSONError(w, "Error loading stake position", http.StatusInternalServerError)
		return
	}
	utils.WriteJSON(w, http.StatusOK, status)
}

// HandleGetEntitlement reports what the account could claim right now
// from a property's revenue distribution.
func (h *StakeHandler) HandleGetEntitlement(w http.ResponseWriter, r *http.Request) {
	account, ok := GetAccountFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	propertyID := chi.URLParam(r, "propertyID")
	entitlement, err := h.flowService.Entitlement(r.Context(), account, propertyID)
	if errors.Is(err, models.ErrDistributionNotFound) {
		utils.SendJSONError(w, "no revenue distribution for this property", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.ErrorFromContext(r.Context(), "Entitlement calculation failed", "propertyID", propertyID, "error", err)
		utils.SendJSONError(w, "Error computing entitlement", http.StatusInternalServerError)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{"entitlement": entitlement.String()})
}
