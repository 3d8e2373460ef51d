package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/brickfolio/backend/src/models"
)

// Define common ledger errors
var (
	// ErrSubmissionRejected - the signer or node refused the operation
	// before an id existed; there is nothing to track.
	ErrSubmissionRejected = errors.New("ledger submission rejected")
	// ErrTxNotFound - the ledger does not (yet) know the transaction id.
	// During tracking this is normal before inclusion.
	ErrTxNotFound = errors.New("transaction not found on ledger")
)

// Operation is a state-changing request handed to the ledger. Signing
// happens on the ledger side of this boundary (external signer).
type Operation struct {
	Kind            models.TxKind
	Account         string
	RelatedEntityID string
	Amount          decimal.Decimal
	// Spender is only set for allowance approvals.
	Spender string
}

// DepthResult is one confirmation poll answer.
type DepthResult struct {
	Confirmations int64
	Reverted      bool
}

// HistoricalOp is one already-resolved operation from the ledger's
// history enumeration.
type HistoricalOp struct {
	ID              string
	Kind            models.TxKind
	Account         string
	RelatedEntityID string
	Amount          decimal.Decimal
	Failed          bool
	SubmittedAt     time.Time
	ResolvedAt      time.Time
	Confirmations   int64
}

// Client is the external ledger collaborator: submit an operation, read
// confirmation depth for a known id, and enumerate resolved history.
// The read queries back precondition checks and the pure calculators.
type Client interface {
	Submit(ctx context.Context, op Operation) (string, error)
	ConfirmationDepth(ctx context.Context, id string) (DepthResult, error)
	EnumerateHistory(ctx context.Context, account string) ([]HistoricalOp, error)

	Allowance(ctx context.Context, owner, spender string) (decimal.Decimal, error)
	BalanceOf(ctx context.Context, account, propertyID string) (decimal.Decimal, error)
	TotalSupply(ctx context.Context, propertyID string) (decimal.Decimal, error)
}
