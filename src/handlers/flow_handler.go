package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/username/brickfolio/backend/src/flows"
	"github.com/username/brickfolio/backend/src/ledger"
	"github.com/username/brickfolio/backend/src/logger"
	"github.com/username/brickfolio/backend/src/models"
	"github.com/username/brickfolio/backend/src/utils"
)

type FlowHandler struct {
	flowService *flows.Service
}

func NewFlowHandler(flowService *flows.Service) *FlowHandler {
	return &FlowHandler{flowService: flowService}
}

type flowRequest struct {
	PropertyID string `json:"property_id"`
	Amount     string `json:"amount"`
}

func (req flowRequest) amountValue() (decimal.Decimal, error) {
	return decimal.NewFromString(req.Amount)
}

// runFlow decodes the request, runs the flow and writes the result.
// An aborted flow is still a well-formed result, not a transport error.
func (h *FlowHandler) runFlow(w http.ResponseWriter, r *http.Request, needsAmount bool,
	run func(ctx context.Context, account string, req flowRequest, amount decimal.Decimal) (models.FlowResult, error)) {

	account, ok := GetAccountFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var req flowRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	amount := decimal.Zero
	if needsAmount {
		var err error
		amount, err = req.amountValue()
		if err != nil {
			utils.SendJSONError(w, "amount must be a decimal string", http.StatusBadRequest)
			return
		}
	}

	result, err := run(r.Context(), account, req, amount)

	var abortErr *flows.FlowAbortedError
	switch {
	case err == nil:
		utils.WriteJSON(w, http.StatusOK, result)
	case errors.As(err, &abortErr):
		// The flow ran and aborted; the result names the failed step.
		logger.InfoFromContext(r.Context(), "Flow aborted", "step", abortErr.Step, "cause", abortErr.Err)
		utils.WriteJSON(w, http.StatusOK, result)
	case errors.Is(err, flows.ErrAlreadyInProgress):
		utils.SendJSONError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, flows.ErrStakeLocked):
		utils.SendJSONError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, flows.ErrNothingToClaim):
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, models.ErrStakePositionNotFound), errors.Is(err, models.ErrDistributionNotFound):
		utils.SendJSONError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ledger.ErrSubmissionRejected):
		utils.SendJSONError(w, err.Error(), http.StatusBadGateway)
	default:
		logger.ErrorFromContext(r.Context(), "Flow failed", "error", err)
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
	}
}

func (h *FlowHandler) HandlePurchase(w http.ResponseWriter, r *http.Request) {
	h.runFlow(w, r, true, func(ctx context.Context, account string, req flowRequest, amount decimal.Decimal) (models.FlowResult, error) {
		return h.flowService.RunPurchase(ctx, account, req.PropertyID, amount)
	})
}

func (h *FlowHandler) HandlePropertyCreate(w http.ResponseWriter, r *http.Request) {
	h.runFlow(w, r, true, func(ctx context.Context, account string, req flowRequest, amount decimal.Decimal) (models.FlowResult, error) {
		return h.flowService.RunPropertyCreate(ctx, account, req.PropertyID, amount)
	})
}

func (h *FlowHandler) HandleKYC(w http.ResponseWriter, r *http.Request) {
	h.runFlow(w, r, false, func(ctx context.Context, account string, req flowRequest, amount decimal.Decimal) (models.FlowResult, error) {
		return h.flowService.RunKYC(ctx, account)
	})
}

func (h *FlowHandler) HandleStake(w http.ResponseWriter, r *http.Request) {
	h.runFlow(w, r, true, func(ctx context.Context, account string, req flowRequest, amount decimal.Decimal) (models.FlowResult, error) {
		return h.flowService.RunStake(ctx, account, req.PropertyID, amount)
	})
}

func (h *FlowHandler) HandleUnstake(w http.ResponseWriter, r *http.Request) {
	h.runFlow(w, r, true, func(ctx context.Context, account string, req flowRequest, amount decimal.Decimal) (models.FlowResult, error) {
		return h.flowService.RunUnstake(ctx, account, req.PropertyID, amount)
	})
}

func (h *FlowHandler) HandleClaim(w http.ResponseWriter, r *http.Request) {
	h.runFlow(w, r, false, func(ctx context.Context, account string, req flowRequest, amount decimal.Decimal) (models.FlowResult, error) {
		return h.flowService.RunClaim(ctx, account, req.PropertyID)
	})
}

func (h *FlowHandler) HandleListToken(w http.ResponseWriter, r *http.Request) {
	h.runFlow(w, r, true, func(ctx context.Context, account string, req flowRequest, amount decimal.Decimal) (models.FlowResult, error) {
		return h.flowService.RunListToken(ctx, account, req.PropertyID, amount)
	})
}
