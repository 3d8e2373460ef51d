package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/brickfolio/backend/src/logger"
	"github.com/username/brickfolio/backend/src/models"
)

// rpc error codes returned by the node
const (
	rpcCodeRejected = -32050
	rpcCodeNotFound = -32051
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type submitParams struct {
	Kind            string `json:"kind"`
	Account         string `json:"account"`
	RelatedEntityID string `json:"related_entity_id,omitempty"`
	Amount          string `json:"amount"`
	Spender         string `json:"spender,omitempty"`
}

type submitResult struct {
	TxID string `json:"tx_id"`
}

type depthResult struct {
	Confirmations int64 `json:"confirmations"`
	Reverted      bool  `json:"reverted"`
}

type historyEntry struct {
	TxID            string `json:"tx_id"`
	Kind            string `json:"kind"`
	Account         string `json:"account"`
	RelatedEntityID string `json:"related_entity_id"`
	Amount          string `json:"amount"`
	Failed          bool   `json:"failed"`
	SubmittedAt     int64  `json:"submitted_at"`
	ResolvedAt      int64  `json:"resolved_at"`
	Confirmations   int64  `json:"confirmations"`
}

type amountResult struct {
	Amount string `json:"amount"`
}

// HTTPClient talks JSON-RPC to a ledger node. It implements Client.
type HTTPClient struct {
	endpoint   string
	httpClient *http.Client
	nextID     atomic.Int64
}

func NewHTTPClient(endpoint string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *HTTPClient) call(ctx context.Context, method string, params any, out any) error {
	reqBody := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshalling %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling ledger %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading ledger %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger %s returned HTTP %d: %s", method, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("decoding ledger %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		switch rpcResp.Error.Code {
		case rpcCodeRejected:
			logger.L.Warn("Ledger rejected submission", "method", method, "message", rpcResp.Error.Message)
			return fmt.Errorf("%w: %s", ErrSubmissionRejected, rpcResp.Error.Message)
		case rpcCodeNotFound:
			return ErrTxNotFound
		default:
			return fmt.Errorf("ledger %s error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
		}
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("decoding ledger %s result: %w", method, err)
		}
	}
	return nil
}

func (c *HTTPClient) Submit(ctx context.Context, op Operation) (string, error) {
	params := submitParams{
		Kind:            string(op.Kind),
		Account:         op.Account,
		RelatedEntityID: op.RelatedEntityID,
		Amount:          op.Amount.String(),
		Spender:         op.Spender,
	}
	var result submitResult
	if err := c.call(ctx, "brick_submitOperation", params, &result); err != nil {
		return "", err
	}
	if result.TxID == "" {
		return "", fmt.Errorf("%w: ledger returned empty transaction id", ErrSubmissionRejected)
	}
	return result.TxID, nil
}

func (c *HTTPClient) ConfirmationDepth(ctx context.Context, id string) (DepthResult, error) {
	var result depthResult
	err := c.call(ctx, "brick_confirmationDepth", map[string]string{"tx_id": id}, &result)
	if err != nil {
		return DepthResult{}, err
	}
	return DepthResult{Confirmations: result.Confirmations, Reverted: result.Reverted}, nil
}

func (c *HTTPClient) EnumerateHistory(ctx context.Context, account string) ([]HistoricalOp, error) {
	var entries []historyEntry
	if err := c.call(ctx, "brick_history", map[string]string{"account": account}, &entries); err != nil {
		return nil, err
	}

	ops := make([]HistoricalOp, 0, len(entries))
	for _, e := range entries {
		amount, err := decimal.NewFromString(e.Amount)
		if err != nil {
			logger.L.Warn("Skipping history entry with unparseable amount", "txID", e.TxID, "amount", e.Amount)
			continue
		}
		op := HistoricalOp{
			ID:              e.TxID,
			Kind:            models.TxKind(e.Kind),
			Account:         e.Account,
			RelatedEntityID: e.RelatedEntityID,
			Amount:          amount,
			Failed:          e.Failed,
			SubmittedAt:     time.Unix(e.SubmittedAt, 0).UTC(),
			Confirmations:   e.Confirmations,
		}
		if e.ResolvedAt > 0 {
			op.ResolvedAt = time.Unix(e.ResolvedAt, 0).UTC()
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (c *HTTPClient) amountCall(ctx context.Context, method string, params any) (decimal.Decimal, error) {
	var result amountResult
	if err := c.call(ctx, method, params, &result); err != nil {
		return decimal.Zero, err
	}
	amount, err := decimal.NewFromString(result.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger %s returned unparseable amount %q: %w", method, result.Amount, err)
	}
	return amount, nil
}

func (c *HTTPClient) Allowance(ctx context.Context, owner, spender string) (decimal.Decimal, error) {
	return c.amountCall(ctx, "brick_allowance", map[string]string{"owner": owner, "spender": spender})
}

func (c *HTTPClient) BalanceOf(ctx context.Context, account, propertyID string) (decimal.Decimal, error) {
	return c.amountCall(ctx, "brick_balanceOf", map[string]string{"account": account, "property_id": propertyID})
}

func (c *HTTPClient) TotalSupply(ctx context.Context, propertyID string) (decimal.Decimal, error) {
	return c.amountCall(ctx, "brick_totalSupply", map[string]string{"property_id": propertyID})
}
