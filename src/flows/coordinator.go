package flows

import (
	"context"
	"fmt"
	"sync"

	"github.com/username/brickfolio/backend/src/logger"
	"github.com/username/brickfolio/backend/src/models"
	"github.com/username/brickfolio/backend/src/tracker"
	"github.com/username/brickfolio/backend/src/txcache"
)

// Step is one unit of a flow. A step with a Satisfied check that
// reports true is skipped without submitting anything (e.g. an
// allowance that already covers the amount). Otherwise Submit sends the
// operation to the ledger and the flow blocks until the resulting
// transaction is terminal. OnConfirmed, when set, runs local
// bookkeeping after the step's transaction confirms.
type Step struct {
	Name        string
	Satisfied   func(ctx context.Context) (bool, error)
	Submit      func(ctx context.Context) (models.TransactionRecord, error)
	OnConfirmed func(ctx context.Context, record models.TransactionRecord) error
}

// Coordinator runs ordered dependent steps as one logical unit. A flow
// blocks only its own progression; ledger operations are never rolled
// back - abort means "do not proceed", not "undo".
type Coordinator struct {
	cache   *txcache.Cache
	tracker *tracker.Tracker

	mu       sync.Mutex
	inflight map[string]bool // account/group
}

func NewCoordinator(cache *txcache.Cache, trk *tracker.Tracker) *Coordinator {
	return &Coordinator{
		cache:    cache,
		tracker:  trk,
		inflight: make(map[string]bool),
	}
}

func (c *Coordinator) acquire(account, group string) bool {
	key := account + "/" + group
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[key] {
		return false
	}
	c.inflight[key] = true
	return true
}

func (c *Coordinator) release(account, group string) {
	c.mu.Lock()
	delete(c.inflight, account+"/"+group)
	c.mu.Unlock()
}

// Run executes the steps in order for one account. At most one flow per
// (account, group) may be in flight; a concurrent attempt gets
// ErrAlreadyInProgress rather than a silently duplicated flow.
func (c *Coordinator) Run(ctx context.Context, account, group string, steps []Step) (models.FlowResult, error) {
	if !c.acquire(account, group) {
		return models.FlowResult{}, fmt.Errorf("%w (account %s, group %s)", ErrAlreadyInProgress, account, group)
	}
	defer c.release(account, group)

	log := logger.FromContext(ctx).With("account", account, "flowGroup", group)
	result := models.FlowResult{Status: models.FlowCompleted, TxIDs: []string{}}

	for _, step := range steps {
		// User cancellation before submission of a step aborts cleanly;
		// already-submitted steps keep tracking in the background.
		if err := ctx.Err(); err != nil {
			return aborted(result, step.Name, err), &FlowAbortedError{Step: step.Name, Err: err}
		}

		if step.Satisfied != nil {
			ok, err := step.Satisfied(ctx)
			if err != nil {
				return aborted(result, step.Name, err), &FlowAbortedError{Step: step.Name, Err: err}
			}
			if ok {
				log.Info("Flow step already satisfied, skipping", "step", step.Name)
				result.SkippedSteps = append(result.SkippedSteps, step.Name)
				continue
			}
			if step.Submit == nil {
				err := fmt.Errorf("precondition %q not satisfied", step.Name)
				return aborted(result, step.Name, err), &FlowAbortedError{Step: step.Name, Err: err}
			}
		}

		record, err := step.Submit(ctx)
		if err != nil {
			// Includes ledger.ErrSubmissionRejected: no id exists, nothing
			// to track, surfaced immediately.
			return aborted(result, step.Name, err), &FlowAbortedError{Step: step.Name, Err: err}
		}

		stored, err := c.cache.Upsert(record)
		if err != nil {
			return aborted(result, step.Name, err), &FlowAbortedError{Step: step.Name, Err: err}
		}
		log.Info("Flow step submitted", "step", step.Name, "txID", stored.ID)

		terminal, err := c.awaitTerminal(ctx, stored.ID)
		if err != nil {
			return aborted(result, step.Name, err), &FlowAbortedError{Step: step.Name, Err: err}
		}

		if terminal.Status == models.StatusFailed {
			cause := &TransactionFailedError{TxID: terminal.ID, Reason: terminal.FailureReason}
			log.Warn("Flow step failed, aborting", "step", step.Name, "txID", terminal.ID, "reason", terminal.FailureReason)
			return aborted(result, step.Name, cause), &FlowAbortedError{Step: step.Name, Err: cause}
		}

		result.TxIDs = append(result.TxIDs, terminal.ID)
		if step.OnConfirmed != nil {
			if err := step.OnConfirmed(ctx, terminal); err != nil {
				return aborted(result, step.Name, err), &FlowAbortedError{Step: step.Name, Err: err}
			}
		}
	}

	log.Info("Flow completed", "transactions", len(result.TxIDs), "skipped", len(result.SkippedSteps))
	return result, nil
}

// awaitTerminal blocks the calling flow (and only it) until the
// transaction is CONFIRMED or FAILED.
func (c *Coordinator) awaitTerminal(ctx context.Context, txID string) (models.TransactionRecord, error) {
	updates, err := c.tracker.Track(txID)
	if err != nil {
		return models.TransactionRecord{}, err
	}

	for {
		select {
		case <-ctx.Done():
			return models.TransactionRecord{}, ctx.Err()
		case record, open := <-updates:
			if !open {
				// Stream ended; the cache holds the authoritative state.
				final, err := c.cache.Get(txID)
				if err != nil {
					return models.TransactionRecord{}, err
				}
				if !final.Status.Terminal() {
					return models.TransactionRecord{}, fmt.Errorf("tracking of %s stopped before finality", txID)
				}
				return final, nil
			}
			if record.Status.Terminal() {
				return record, nil
			}
		}
	}
}

func aborted(result models.FlowResult, step string, cause error) models.FlowResult {
	result.Status = models.FlowAborted
	result.AbortedStep = step
	result.AbortReason = cause.Error()
	return result
}
