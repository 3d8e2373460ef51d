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
	"github.com/username/brickfolio/backend/src/txcache"
	"github.com/username/brickfolio/backend/src/utils"
)

type TransactionHandler struct {
	cache *txcache.Cache
}

func NewTransactionHandler(cache *txcache.Cache) *TransactionHandler {
	return &TransactionHandler{cache: cache}
}

// HandleGetTransactions returns the account's transaction history,
// most-recent-first. The first call of a session triggers historical
// indexing from the ledger; later calls serve from the cache.
func (h *TransactionHandler) HandleGetTransactions(w http.ResponseWriter, r *http.Request) {
	account, ok := GetAccountFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	if err := h.cache.IndexHistorical(r.Context(), account); err != nil {
		// Historical seeding failed; live records are still served.
		logger.ErrorFromContext(r.Context(), "Historical indexing failed", "error", err)
	}

	var kinds []models.TxKind
	if kindParam := r.URL.Query().Get("kind"); kindParam != "" {
		for _, k := range strings.Split(kindParam, ",") {
			kind := models.TxKind(strings.ToUpper(strings.TrimSpace(k)))
			if !kind.Valid() {
				utils.SendJSONError(w, fmt.Sprintf("unknown transaction kind %q", k), http.StatusBadRequest)
				return
			}
			kinds = append(kinds, kind)
		}
	}

	records, err := h.cache.Query(account, kinds...)
	if err != nil {
		logger.ErrorFromContext(r.Context(), "Transaction query failed", "error", err)
		utils.SendJSONError(w, "Error querying transactions", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []models.TransactionRecord{}
	}
	utils.WriteJSON(w, http.StatusOK, records)
}

// HandleGetTransaction returns one record by ledger transaction id.
func (h *TransactionHandler) HandleGetTransaction(w http.ResponseWriter, r *http.Request) {
	account, ok := GetAccountFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	id := chi.URLParam(r, "id")
	record, err := h.cache.Get(id)
	if errors.Is(err, txcache.ErrRecordNotFound) {
		utils.SendJSONError(w, "transaction not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.ErrorFromContext(r.Context(), "Transaction lookup failed", "txID", id, "error", err)
		utils.SendJSONError(w, "Error loading transaction", http.StatusInternalServerError)
		return
	}
	if record.Initiator != account {
		utils.SendJSONError(w, "transaction not found", http.StatusNotFound)
		return
	}
	utils.WriteJSON(w, http.StatusOK, record)
}

// HandleGetIndexState reports the session's historical indexing state
// for the account.
func (h *TransactionHandler) HandleGetIndexState(w http.ResponseWriter, r *http.Request) {
	account, ok := GetAccountFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{"state": string(h.cache.State(account))})
}

// HandleStreamTransactions streams the account's record changes as
// server-sent events until the client disconnects.
func (h *TransactionHandler) HandleStreamTransactions(w http.ResponseWriter, r *http.Request) {
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

	events, cancel := h.cache.Observe(account)
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
		case event, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(event.Record)
			if err != nil {
				logger.ErrorFromContext(r.Context(), "Failed to marshal stream event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: transaction\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
