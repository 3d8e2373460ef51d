package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TxKind identifies which ledger operation a record describes.
type TxKind string

const (
	KindPurchase       TxKind = "PURCHASE"
	KindSale           TxKind = "SALE"
	KindStake          TxKind = "STAKE"
	KindUnstake        TxKind = "UNSTAKE"
	KindClaim          TxKind = "CLAIM"
	KindKYCSubmit      TxKind = "KYC_SUBMIT"
	KindKYCApprove     TxKind = "KYC_APPROVE"
	KindPropertyCreate TxKind = "PROPERTY_CREATE"
	KindTokenList      TxKind = "TOKEN_LIST"
)

// AllKinds - every valid transaction kind, in display order.
var AllKinds = []TxKind{
	KindPurchase, KindSale, KindStake, KindUnstake, KindClaim,
	KindKYCSubmit, KindKYCApprove, KindPropertyCreate, KindTokenList,
}

func (k TxKind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Group returns the concurrency group a kind belongs to. At most one
// flow per account may be in flight per group.
func (k TxKind) Group() string {
	switch k {
	case KindPurchase, KindSale, KindTokenList:
		return "trade"
	case KindStake, KindUnstake, KindClaim:
		return "staking"
	case KindKYCSubmit, KindKYCApprove:
		return "kyc"
	case KindPropertyCreate:
		return "property"
	default:
		return string(k)
	}
}

// TxStatus is the lifecycle state of a tracked transaction.
// PENDING is the only non-terminal state; transitions are forward-only.
type TxStatus string

const (
	StatusPending   TxStatus = "PENDING"
	StatusConfirmed TxStatus = "CONFIRMED"
	StatusFailed    TxStatus = "FAILED"
)

// Terminal reports whether no further status transitions are allowed.
func (s TxStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

func (s TxStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusFailed:
		return true
	}
	return false
}

// Failure reasons recorded on FAILED transactions. "timeout" marks a
// transaction that never reached the confirmation threshold inside the
// tracking window (dropped or replaced), as opposed to an explicit revert.
const (
	FailureReverted = "reverted"
	FailureTimeout  = "timeout"
)

// TransactionRecord is one cached ledger operation. Exactly one record
// exists per ID; records are mutated only through the transaction cache
// and are never deleted.
type TransactionRecord struct {
	ID              string          `json:"id"`
	Kind            TxKind          `json:"kind"`
	Initiator       string          `json:"initiator"`
	RelatedEntityID string          `json:"related_entity_id,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Status          TxStatus        `json:"status"`
	Confirmations   int64           `json:"confirmations"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	SubmittedAt     time.Time       `json:"submitted_at"`
	ConfirmedAt     *time.Time      `json:"confirmed_at,omitempty"`
}

// Validate checks the fields that must be present before a record may
// enter the cache.
func (r TransactionRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("transaction record missing id")
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("transaction %s has invalid kind %q", r.ID, r.Kind)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("transaction %s has invalid status %q", r.ID, r.Status)
	}
	if r.Initiator == "" {
		return fmt.Errorf("transaction %s missing initiator", r.ID)
	}
	if r.Amount.IsNegative() {
		return fmt.Errorf("transaction %s has negative amount %s", r.ID, r.Amount)
	}
	if r.Confirmations < 0 {
		return fmt.Errorf("transaction %s has negative confirmations", r.ID)
	}
	return nil
}
