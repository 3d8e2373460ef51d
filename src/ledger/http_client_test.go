package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/brickfolio/backend/src/logger"
	"github.com/username/brickfolio/backend/src/models"
)

func TestMain(m *testing.M) {
	logger.InitLogger("error")
	os.Exit(m.Run())
}

// rpcServer answers each JSON-RPC method with a canned result or error.
func rpcServer(t *testing.T, results map[string]any, errors map[string]rpcError) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "2.0", req.JSONRPC)

		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
		if rpcErr, ok := errors[req.Method]; ok {
			resp.Error = &rpcErr
		} else if result, ok := results[req.Method]; ok {
			raw, err := json.Marshal(result)
			require.NoError(t, err)
			resp.Result = raw
		} else {
			t.Errorf("unexpected rpc method %q", req.Method)
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestSubmitReturnsTransactionID(t *testing.T) {
	server := rpcServer(t, map[string]any{
		"brick_submitOperation": submitResult{TxID: "tx-abc"},
	}, nil)
	client := NewHTTPClient(server.URL, time.Second)

	id, err := client.Submit(context.Background(), Operation{
		Kind:    models.KindPurchase,
		Account: "brick1alice",
		Amount:  decimal.RequireFromString("10"),
	})
	require.NoError(t, err)
	assert.Equal(t, "tx-abc", id)
}

func TestSubmitRejected(t *testing.T) {
	server := rpcServer(t, nil, map[string]rpcError{
		"brick_submitOperation": {Code: rpcCodeRejected, Message: "insufficient balance"},
	})
	client := NewHTTPClient(server.URL, time.Second)

	_, err := client.Submit(context.Background(), Operation{
		Kind:    models.KindPurchase,
		Account: "brick1alice",
		Amount:  decimal.RequireFromString("10"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSubmissionRejected)
	assert.Contains(t, err.Error(), "insufficient balance")
}

func TestSubmitEmptyIDIsRejection(t *testing.T) {
	server := rpcServer(t, map[string]any{
		"brick_submitOperation": submitResult{},
	}, nil)
	client := NewHTTPClient(server.URL, time.Second)

	_, err := client.Submit(context.Background(), Operation{
		Kind:    models.KindStake,
		Account: "brick1alice",
		Amount:  decimal.RequireFromString("1"),
	})
	assert.ErrorIs(t, err, ErrSubmissionRejected)
}

func TestConfirmationDepth(t *testing.T) {
	server := rpcServer(t, map[string]any{
		"brick_confirmationDepth": depthResult{Confirmations: 2, Reverted: false},
	}, nil)
	client := NewHTTPClient(server.URL, time.Second)

	depth, err := client.ConfirmationDepth(context.Background(), "tx-abc")
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth.Confirmations)
	assert.False(t, depth.Reverted)
}

func TestConfirmationDepthNotFound(t *testing.T) {
	server := rpcServer(t, nil, map[string]rpcError{
		"brick_confirmationDepth": {Code: rpcCodeNotFound, Message: "unknown tx"},
	})
	client := NewHTTPClient(server.URL, time.Second)

	_, err := client.ConfirmationDepth(context.Background(), "tx-missing")
	assert.ErrorIs(t, err, ErrTxNotFound)
}

func TestEnumerateHistory(t *testing.T) {
	submitted := time.Now().Add(-time.Hour).Unix()
	server := rpcServer(t, map[string]any{
		"brick_history": []historyEntry{
			{
				TxID:          "tx-1",
				Kind:          "PURCHASE",
				Account:       "brick1alice",
				Amount:        "50",
				SubmittedAt:   submitted,
				ResolvedAt:    submitted + 60,
				Confirmations: 12,
			},
			{
				TxID:        "tx-2",
				Kind:        "STAKE",
				Account:     "brick1alice",
				Amount:      "not-a-number",
				SubmittedAt: submitted,
			},
		},
	}, nil)
	client := NewHTTPClient(server.URL, time.Second)

	ops, err := client.EnumerateHistory(context.Background(), "brick1alice")
	require.NoError(t, err)
	// The unparseable entry is skipped, not fatal.
	require.Len(t, ops, 1)
	assert.Equal(t, "tx-1", ops[0].ID)
	assert.Equal(t, models.KindPurchase, ops[0].Kind)
	assert.True(t, ops[0].Amount.Equal(decimal.RequireFromString("50")))
	assert.Equal(t, time.Unix(submitted, 0).UTC(), ops[0].SubmittedAt)
	assert.False(t, ops[0].ResolvedAt.IsZero())
}

func TestAmountCalls(t *testing.T) {
	server := rpcServer(t, map[string]any{
		"brick_allowance":   amountResult{Amount: "75.5"},
		"brick_balanceOf":   amountResult{Amount: "12"},
		"brick_totalSupply": amountResult{Amount: "1000"},
	}, nil)
	client := NewHTTPClient(server.URL, time.Second)

	allowance, err := client.Allowance(context.Background(), "brick1alice", "brick1platformescrow")
	require.NoError(t, err)
	assert.True(t, allowance.Equal(decimal.RequireFromString("75.5")))

	balance, err := client.BalanceOf(context.Background(), "brick1alice", "prop-1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("12")))

	supply, err := client.TotalSupply(context.Background(), "prop-1")
	require.NoError(t, err)
	assert.True(t, supply.Equal(decimal.RequireFromString("1000")))
}

func TestServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "node overloaded", http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)
	client := NewHTTPClient(server.URL, time.Second)

	_, err := client.ConfirmationDepth(context.Background(), "tx-abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprint(http.StatusServiceUnavailable))
}
