package flows

import (
	"errors"
	"fmt"
)

// Define common flow errors
var (
	// ErrAlreadyInProgress - the per-account concurrency guard: one
	// in-flight flow per kind group per account.
	ErrAlreadyInProgress = errors.New("a flow of this kind is already in progress for this account")
	// ErrStakeLocked - unstake attempted before the lock period expired.
	ErrStakeLocked = errors.New("stake position is still time-locked")
	// ErrNothingToClaim - the holder's revenue entitlement is zero.
	ErrNothingToClaim = errors.New("no revenue entitlement to claim")
)

// TransactionFailedError - a tracked transaction reached FAILED. Reason
// distinguishes an explicit ledger revert from a tracking timeout
// (dropped or replaced).
type TransactionFailedError struct {
	TxID   string
	Reason string
}

func (e *TransactionFailedError) Error() string {
	return fmt.Sprintf("transaction %s failed (%s)", e.TxID, e.Reason)
}

// FlowAbortedError - a step failed, naming the step; later steps were
// never attempted and earlier confirmed steps are not rolled back.
type FlowAbortedError struct {
	Step string
	Err  error
}

func (e *FlowAbortedError) Error() string {
	return fmt.Sprintf("flow aborted at step %q: %v", e.Step, e.Err)
}

func (e *FlowAbortedError) Unwrap() error {
	return e.Err
}
