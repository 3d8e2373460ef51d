package flows

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/brickfolio/backend/src/calculators"
	"github.com/username/brickfolio/backend/src/ledger"
	"github.com/username/brickfolio/backend/src/models"
)

// Service builds and runs the documented flows on top of the generic
// coordinator: allowance-then-purchase, fee-then-property-deployment,
// KYC submit-then-auto-approve, and the single-step staking, claim and
// listing operations.
type Service struct {
	coordinator *Coordinator
	ledger      ledger.Client
	db          *sql.DB
	stakeLock   calculators.StakeLockEvaluator
	allocator   calculators.RevenueAllocator
	// spender is the platform escrow address allowance approvals are
	// granted to.
	spender string
}

func NewService(coordinator *Coordinator, ledgerClient ledger.Client, db *sql.DB,
	stakeLock calculators.StakeLockEvaluator, spender string) *Service {
	return &Service{
		coordinator: coordinator,
		ledger:      ledgerClient,
		db:          db,
		stakeLock:   stakeLock,
		allocator:   calculators.RevenueAllocator{},
		spender:     spender,
	}
}

func pendingRecord(id string, kind models.TxKind, account, propertyID string, amount decimal.Decimal) models.TransactionRecord {
	return models.TransactionRecord{
		ID:              id,
		Kind:            kind,
		Initiator:       account,
		RelatedEntityID: propertyID,
		Amount:          amount,
		Status:          models.StatusPending,
		SubmittedAt:     time.Now().UTC(),
	}
}

// submitStep builds a transaction step around one ledger operation.
func (s *Service) submitStep(name string, op ledger.Operation) Step {
	return Step{
		Name: name,
		Submit: func(ctx context.Context) (models.TransactionRecord, error) {
			id, err := s.ledger.Submit(ctx, op)
			if err != nil {
				return models.TransactionRecord{}, err
			}
			return pendingRecord(id, op.Kind, op.Account, op.RelatedEntityID, op.Amount), nil
		},
	}
}

// approvalStep is a transaction step that is skipped when the existing
// allowance already covers the amount.
func (s *Service) approvalStep(name string, kind models.TxKind, account, propertyID string, amount decimal.Decimal) Step {
	step := s.submitStep(name, ledger.Operation{
		Kind:            kind,
		Account:         account,
		RelatedEntityID: propertyID,
		Amount:          amount,
		Spender:         s.spender,
	})
	step.Satisfied = func(ctx context.Context) (bool, error) {
		allowance, err := s.ledger.Allowance(ctx, account, s.spender)
		if err != nil {
			return false, fmt.Errorf("checking allowance: %w", err)
		}
		return allowance.GreaterThanOrEqual(amount), nil
	}
	return step
}

// RunPurchase executes the allowance-then-purchase flow.
func (s *Service) RunPurchase(ctx context.Context, account, propertyID string, amount decimal.Decimal) (models.FlowResult, error) {
	if !amount.IsPositive() {
		return models.FlowResult{}, fmt.Errorf("purchase amount must be positive")
	}
	steps := []Step{
		s.approvalStep("approve", models.KindPurchase, account, propertyID, amount),
		s.submitStep("purchase", ledger.Operation{
			Kind:            models.KindPurchase,
			Account:         account,
			RelatedEntityID: propertyID,
			Amount:          amount,
		}),
	}
	return s.coordinator.Run(ctx, account, models.KindPurchase.Group(), steps)
}

// RunPropertyCreate executes the creation-fee-then-deployment flow.
func (s *Service) RunPropertyCreate(ctx context.Context, account, propertyID string, creationFee decimal.Decimal) (models.FlowResult, error) {
	if creationFee.IsNegative() {
		return models.FlowResult{}, fmt.Errorf("creation fee cannot be negative")
	}
	steps := []Step{
		s.approvalStep("approve-fee", models.KindPropertyCreate, account, propertyID, creationFee),
		s.submitStep("deploy", ledger.Operation{
			Kind:            models.KindPropertyCreate,
			Account:         account,
			RelatedEntityID: propertyID,
			Amount:          creationFee,
		}),
	}
	return s.coordinator.Run(ctx, account, models.KindPropertyCreate.Group(), steps)
}

// RunKYC executes the KYC submit-then-auto-approve flow. The approval
// step is only submitted once the submission has confirmed.
func (s *Service) RunKYC(ctx context.Context, account string) (models.FlowResult, error) {
	steps := []Step{
		s.submitStep("submit", ledger.Operation{
			Kind:    models.KindKYCSubmit,
			Account: account,
			Amount:  decimal.Zero,
		}),
		s.submitStep("approve", ledger.Operation{
			Kind:    models.KindKYCApprove,
			Account: account,
			Amount:  decimal.Zero,
		}),
	}
	return s.coordinator.Run(ctx, account, models.KindKYCSubmit.Group(), steps)
}

// RunStake stakes tokens into a property. On confirmation the local
// position is opened or increased; an increase never resets StakeTime.
func (s *Service) RunStake(ctx context.Context, account, propertyID string, amount decimal.Decimal) (models.FlowResult, error) {
	if !amount.IsPositive() {
		return models.FlowResult{}, fmt.Errorf("stake amount must be positive")
	}
	step := s.submitStep("stake", ledger.Operation{
		Kind:            models.KindStake,
		Account:         account,
		RelatedEntityID: propertyID,
		Amount:          amount,
	})
	step.OnConfirmed = func(ctx context.Context, record models.TransactionRecord) error {
		pos, err := models.GetStakePosition(s.db, account, propertyID)
		if errors.Is(err, models.ErrStakePositionNotFound) {
			pos = &models.StakePosition{
				Account:    account,
				PropertyID: propertyID,
				StakeTime:  time.Now().UTC(),
			}
		} else if err != nil {
			return err
		}
		pos.StakedAmount = pos.StakedAmount.Add(amount)
		return models.SaveStakePosition(s.db, *pos)
	}
	return s.coordinator.Run(ctx, account, models.KindStake.Group(), []Step{step})
}

// RunUnstake withdraws part or all of a stake. Refused while the lock
// period is still running; a partial unstake keeps the original
// StakeTime for the remainder.
func (s *Service) RunUnstake(ctx context.Context, account, propertyID string, amount decimal.Decimal) (models.FlowResult, error) {
	if !amount.IsPositive() {
		return models.FlowResult{}, fmt.Errorf("unstake amount must be positive")
	}
	pos, err := models.GetStakePosition(s.db, account, propertyID)
	if err != nil {
		return models.FlowResult{}, err
	}
	if !s.stakeLock.CanUnstake(*pos, time.Now().UTC()) {
		remaining := s.stakeLock.TimeUntilUnlock(*pos, time.Now().UTC())
		return models.FlowResult{}, fmt.Errorf("%w: %s remaining", ErrStakeLocked, remaining)
	}
	if amount.GreaterThan(pos.StakedAmount) {
		return models.FlowResult{}, fmt.Errorf("unstake amount %s exceeds staked %s", amount, pos.StakedAmount)
	}

	step := s.submitStep("unstake", ledger.Operation{
		Kind:            models.KindUnstake,
		Account:         account,
		RelatedEntityID: propertyID,
		Amount:          amount,
	})
	step.OnConfirmed = func(ctx context.Context, record models.TransactionRecord) error {
		current, err := models.GetStakePosition(s.db, account, propertyID)
		if err != nil {
			return err
		}
		current.StakedAmount = current.StakedAmount.Sub(amount)
		return models.SaveStakePosition(s.db, *current)
	}
	return s.coordinator.Run(ctx, account, models.KindUnstake.Group(), []Step{step})
}

// Entitlement computes what an account may currently claim from a
// property's distribution, capped at what remains unclaimed in the pot.
func (s *Service) Entitlement(ctx context.Context, account, propertyID string) (decimal.Decimal, error) {
	dist, err := models.GetDistribution(s.db, propertyID)
	if err != nil {
		return decimal.Zero, err
	}

	balance, err := s.ledger.BalanceOf(ctx, account, propertyID)
	if err != nil {
		return decimal.Zero, err
	}
	supply, err := s.ledger.TotalSupply(ctx, propertyID)
	if err != nil {
		return decimal.Zero, err
	}

	entitlement, err := s.allocator.Entitlement(balance, supply, dist.TotalAmount)
	if err != nil {
		return decimal.Zero, err
	}

	// A holder that already claimed against this distribution gets
	// nothing more from it.
	if pos, err := models.GetStakePosition(s.db, account, propertyID); err == nil {
		if !pos.LastRewardClaim.IsZero() && pos.LastRewardClaim.After(dist.CreatedAt) {
			return decimal.Zero, nil
		}
	}

	if remaining := dist.Remaining(); entitlement.GreaterThan(remaining) {
		entitlement = remaining
	}
	return entitlement, nil
}

// RunClaim claims an account's revenue share from a property
// distribution. On confirmation the paid amount is added to the
// distribution accumulator so it can never be paid twice.
func (s *Service) RunClaim(ctx context.Context, account, propertyID string) (models.FlowResult, error) {
	entitlement, err := s.Entitlement(ctx, account, propertyID)
	if err != nil {
		return models.FlowResult{}, err
	}
	if !entitlement.IsPositive() {
		return models.FlowResult{}, ErrNothingToClaim
	}

	step := s.submitStep("claim", ledger.Operation{
		Kind:            models.KindClaim,
		Account:         account,
		RelatedEntityID: propertyID,
		Amount:          entitlement,
	})
	step.OnConfirmed = func(ctx context.Context, record models.TransactionRecord) error {
		if err := models.RecordDistributionClaim(s.db, propertyID, entitlement); err != nil {
			return err
		}
		pos, err := models.GetStakePosition(s.db, account, propertyID)
		if errors.Is(err, models.ErrStakePositionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		pos.LastRewardClaim = time.Now().UTC()
		return models.SaveStakePosition(s.db, *pos)
	}
	return s.coordinator.Run(ctx, account, models.KindClaim.Group(), []Step{step})
}

// RunListToken lists tokens for sale on the secondary market.
func (s *Service) RunListToken(ctx context.Context, account, propertyID string, amount decimal.Decimal) (models.FlowResult, error) {
	if !amount.IsPositive() {
		return models.FlowResult{}, fmt.Errorf("listing amount must be positive")
	}
	step := s.submitStep("list", ledger.Operation{
		Kind:            models.KindTokenList,
		Account:         account,
		RelatedEntityID: propertyID,
		Amount:          amount,
	})
	return s.coordinator.Run(ctx, account, models.KindTokenList.Group(), []Step{step})
}

// StakeStatus reports an account's position with lock information.
type StakeStatus struct {
	Position        models.StakePosition `json:"position"`
	CanUnstake      bool                 `json:"can_unstake"`
	TimeUntilUnlock string               `json:"time_until_unlock"`
}

func (s *Service) StakeStatus(account, propertyID string) (*StakeStatus, error) {
	pos, err := models.GetStakePosition(s.db, account, propertyID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &StakeStatus{
		Position:        *pos,
		CanUnstake:      s.stakeLock.CanUnstake(*pos, now),
		TimeUntilUnlock: s.stakeLock.TimeUntilUnlock(*pos, now).String(),
	}, nil
}
