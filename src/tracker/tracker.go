package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/username/brickfolio/backend/src/ledger"
	"github.com/username/brickfolio/backend/src/logger"
	"github.com/username/brickfolio/backend/src/models"
	"github.com/username/brickfolio/backend/src/txcache"
	"golang.org/x/time/rate"
)

// Tracker polls the ledger for in-flight transactions until each
// reaches a terminal state, writing every transition through the
// transaction cache. Tracking is idempotent per id: a second Track call
// on a pending id attaches to the running poller instead of racing it.
type Tracker struct {
	ledger  ledger.Client
	cache   *txcache.Cache
	limiter *rate.Limiter

	threshold    int64
	pollInterval time.Duration
	maxWait      time.Duration

	// root context for pollers; cancelled on Close. Pollers outlive the
	// callers that started them so a dropped subscriber does not stop
	// tracking.
	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu       sync.Mutex
	inflight map[string]*pollJob
	wg       sync.WaitGroup
}

type pollJob struct {
	id   string
	mu   sync.Mutex
	subs []chan models.TransactionRecord
	done bool
}

// subscribe returns a channel receiving every update for the job,
// closed after the terminal update.
func (j *pollJob) subscribe() <-chan models.TransactionRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	ch := make(chan models.TransactionRecord, 128)
	if j.done {
		close(ch)
		return ch
	}
	j.subs = append(j.subs, ch)
	return ch
}

func (j *pollJob) broadcast(record models.TransactionRecord) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, ch := range j.subs {
		select {
		case ch <- record:
		default:
			// Slow subscriber; it will still see the terminal state via
			// the cache. Dropping here keeps the poll loop unblocked.
		}
	}
	if record.Status.Terminal() {
		for _, ch := range j.subs {
			close(ch)
		}
		j.subs = nil
		j.done = true
	}
}

// release closes all subscriber channels without a terminal record,
// used when tracking is cancelled mid-flight.
func (j *pollJob) release() {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, ch := range j.subs {
		close(ch)
	}
	j.subs = nil
	j.done = true
}

func New(ledgerClient ledger.Client, cache *txcache.Cache, threshold int64, pollInterval, maxWait time.Duration, pollRate float64) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	burst := int(pollRate)
	if burst < 1 {
		burst = 1
	}
	return &Tracker{
		ledger:       ledgerClient,
		cache:        cache,
		limiter:      rate.NewLimiter(rate.Limit(pollRate), burst),
		threshold:    threshold,
		pollInterval: pollInterval,
		maxWait:      maxWait,
		rootCtx:      ctx,
		rootCancel:   cancel,
		inflight:     make(map[string]*pollJob),
	}
}

// Track begins (or attaches to) confirmation polling for a cached
// transaction id. The returned channel receives status updates and is
// closed after CONFIRMED or FAILED. The record must already exist in
// the cache; an id that is already terminal yields a closed channel
// after a single replay of the terminal record.
func (t *Tracker) Track(id string) (<-chan models.TransactionRecord, error) {
	record, err := t.cache.Get(id)
	if err != nil {
		return nil, fmt.Errorf("cannot track unknown transaction %s: %w", id, err)
	}

	if record.Status.Terminal() {
		ch := make(chan models.TransactionRecord, 1)
		ch <- record
		close(ch)
		return ch, nil
	}

	t.mu.Lock()
	job, running := t.inflight[id]
	if !running {
		job = &pollJob{id: id}
		t.inflight[id] = job
		t.wg.Add(1)
		go t.poll(job, record)
	}
	t.mu.Unlock()

	return job.subscribe(), nil
}

// poll runs the confirmation loop for one transaction id.
func (t *Tracker) poll(job *pollJob, record models.TransactionRecord) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.inflight, job.id)
		t.mu.Unlock()
	}()

	log := logger.L.With("txID", job.id, "kind", record.Kind)
	log.Info("Tracking transaction until finality", "threshold", t.threshold, "maxWait", t.maxWait)

	deadline := time.Now().Add(t.maxWait)
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		if err := t.limiter.Wait(t.rootCtx); err != nil {
			// Tracker shut down; leave the record PENDING. A later
			// tracker or historical re-indexing will resolve it.
			log.Info("Tracking cancelled, record left pending")
			job.release()
			return
		}

		depth, err := t.ledger.ConfirmationDepth(t.rootCtx, job.id)
		switch {
		case err == nil && depth.Reverted:
			t.finish(job, record, models.StatusFailed, models.FailureReverted, depth.Confirmations, log)
			return

		case err == nil && depth.Confirmations >= t.threshold:
			t.finish(job, record, models.StatusConfirmed, "", depth.Confirmations, log)
			return

		case err == nil:
			if depth.Confirmations > record.Confirmations {
				record.Confirmations = depth.Confirmations
				updated, upsertErr := t.cache.Upsert(record)
				if upsertErr != nil {
					log.Error("Failed to record confirmation progress", "error", upsertErr)
				} else {
					record = updated
					job.broadcast(record)
				}
			}

		case errors.Is(err, ledger.ErrTxNotFound):
			// Not yet included; keep polling until the deadline.

		default:
			// Transient polling error (network blip). Retried silently
			// within the overall timeout.
			log.Debug("Transient polling error", "error", err)
		}

		if time.Now().After(deadline) {
			// Never resolved inside the window: dropped or replaced.
			t.finish(job, record, models.StatusFailed, models.FailureTimeout, record.Confirmations, log)
			return
		}

		select {
		case <-t.rootCtx.Done():
			log.Info("Tracking cancelled, record left pending")
			job.release()
			return
		case <-ticker.C:
		}
	}
}

// finish performs the single terminal cache write for a tracked id.
func (t *Tracker) finish(job *pollJob, record models.TransactionRecord, status models.TxStatus, reason string, confirmations int64, log *slog.Logger) {
	now := time.Now().UTC()
	record.Status = status
	record.FailureReason = reason
	record.Confirmations = confirmations
	record.ConfirmedAt = &now

	stored, err := t.cache.Upsert(record)
	if err != nil {
		log.Error("Failed to write terminal transaction state", "status", status, "error", err)
		stored = record
	}
	log.Info("Transaction reached terminal state", "status", status, "reason", reason, "confirmations", confirmations)
	job.broadcast(stored)
}

// InFlight reports how many transactions are currently being polled.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// Close cancels all pollers and waits for them to stop. Pending records
// are left untouched in the cache.
func (t *Tracker) Close() {
	t.rootCancel()
	t.wg.Wait()
}
