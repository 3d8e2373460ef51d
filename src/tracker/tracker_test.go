package tracker

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/brickfolio/backend/src/ledger"
	"github.com/username/brickfolio/backend/src/logger"
	"github.com/username/brickfolio/backend/src/models"
	"github.com/username/brickfolio/backend/src/txcache"
	_ "modernc.org/sqlite"
)

func TestMain(m *testing.M) {
	logger.InitLogger("error")
	os.Exit(m.Run())
}

// depthLedger serves a scripted sequence of ConfirmationDepth results
// per transaction id, repeating the last entry once exhausted.
type depthLedger struct {
	mu     sync.Mutex
	depths map[string][]depthStep
	calls  map[string]int
}

type depthStep struct {
	result ledger.DepthResult
	err    error
}

func newDepthLedger() *depthLedger {
	return &depthLedger{
		depths: make(map[string][]depthStep),
		calls:  make(map[string]int),
	}
}

func (f *depthLedger) script(id string, steps ...depthStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depths[id] = steps
}

func (f *depthLedger) ConfirmationDepth(ctx context.Context, id string) (ledger.DepthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	steps := f.depths[id]
	if len(steps) == 0 {
		return ledger.DepthResult{}, ledger.ErrTxNotFound
	}
	i := f.calls[id]
	f.calls[id]++
	if i >= len(steps) {
		i = len(steps) - 1
	}
	return steps[i].result, steps[i].err
}

func (f *depthLedger) Submit(ctx context.Context, op ledger.Operation) (string, error) {
	return "", ledger.ErrSubmissionRejected
}

func (f *depthLedger) EnumerateHistory(ctx context.Context, account string) ([]ledger.HistoricalOp, error) {
	return nil, nil
}

func (f *depthLedger) Allowance(ctx context.Context, owner, spender string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *depthLedger) BalanceOf(ctx context.Context, account, propertyID string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *depthLedger) TotalSupply(ctx context.Context, propertyID string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

const testSchema = `
CREATE TABLE transactions (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    initiator TEXT NOT NULL,
    related_entity_id TEXT,
    amount TEXT NOT NULL,
    status TEXT NOT NULL,
    confirmations INTEGER NOT NULL DEFAULT 0,
    failure_reason TEXT,
    submitted_at TIMESTAMP NOT NULL,
    confirmed_at TIMESTAMP
);
`

func newTestCache(t *testing.T, ledgerClient ledger.Client) *txcache.Cache {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	_, err = db.Exec(testSchema)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return txcache.New(db, ledgerClient, gocache.New(time.Minute, time.Minute))
}

// newFastTracker polls every millisecond with an effectively unlimited
// rate so tests resolve quickly.
func newFastTracker(t *testing.T, ledgerClient ledger.Client, cache *txcache.Cache, maxWait time.Duration) *Tracker {
	t.Helper()
	tr := New(ledgerClient, cache, 3, time.Millisecond, maxWait, 10000)
	t.Cleanup(tr.Close)
	return tr
}

func seedPending(t *testing.T, cache *txcache.Cache, id string) models.TransactionRecord {
	t.Helper()
	record, err := cache.Upsert(models.TransactionRecord{
		ID:          id,
		Kind:        models.KindPurchase,
		Initiator:   "brick1alice",
		Amount:      decimal.RequireFromString("25"),
		Status:      models.StatusPending,
		SubmittedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return record
}

func awaitTerminal(t *testing.T, updates <-chan models.TransactionRecord) models.TransactionRecord {
	t.Helper()
	var last models.TransactionRecord
	timeout := time.After(5 * time.Second)
	for {
		select {
		case record, ok := <-updates:
			if !ok {
				return last
			}
			last = record
			if record.Status.Terminal() {
				// Drain until close so the job is fully finished.
				for range updates {
				}
				return record
			}
		case <-timeout:
			t.Fatal("timed out waiting for terminal update")
		}
	}
}

func TestTrackConfirmsAtThreshold(t *testing.T) {
	fake := newDepthLedger()
	fake.script("tx-1",
		depthStep{err: ledger.ErrTxNotFound},
		depthStep{result: ledger.DepthResult{Confirmations: 1}},
		depthStep{result: ledger.DepthResult{Confirmations: 2}},
		depthStep{result: ledger.DepthResult{Confirmations: 3}},
	)
	cache := newTestCache(t, fake)
	tr := newFastTracker(t, fake, cache, 5*time.Second)
	seedPending(t, cache, "tx-1")

	updates, err := tr.Track("tx-1")
	require.NoError(t, err)

	final := awaitTerminal(t, updates)
	assert.Equal(t, models.StatusConfirmed, final.Status)
	assert.Equal(t, int64(3), final.Confirmations)
	require.NotNil(t, final.ConfirmedAt)

	stored, err := cache.Get("tx-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, stored.Status)
	assert.Equal(t, int64(3), stored.Confirmations)
}

func TestTrackRevertedFails(t *testing.T) {
	fake := newDepthLedger()
	fake.script("tx-2",
		depthStep{result: ledger.DepthResult{Confirmations: 1}},
		depthStep{result: ledger.DepthResult{Confirmations: 1, Reverted: true}},
	)
	cache := newTestCache(t, fake)
	tr := newFastTracker(t, fake, cache, 5*time.Second)
	seedPending(t, cache, "tx-2")

	updates, err := tr.Track("tx-2")
	require.NoError(t, err)

	final := awaitTerminal(t, updates)
	assert.Equal(t, models.StatusFailed, final.Status)
	assert.Equal(t, models.FailureReverted, final.FailureReason)

	stored, err := cache.Get("tx-2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, models.FailureReverted, stored.FailureReason)
}

func TestTrackTimesOut(t *testing.T) {
	fake := newDepthLedger()
	// Never included: every poll reports not found.
	cache := newTestCache(t, fake)
	tr := newFastTracker(t, fake, cache, 50*time.Millisecond)
	seedPending(t, cache, "tx-3")

	updates, err := tr.Track("tx-3")
	require.NoError(t, err)

	final := awaitTerminal(t, updates)
	assert.Equal(t, models.StatusFailed, final.Status)
	assert.Equal(t, models.FailureTimeout, final.FailureReason)
}

func TestTrackTransientErrorsAreRetried(t *testing.T) {
	fake := newDepthLedger()
	fake.script("tx-4",
		depthStep{err: errors.New("connection reset")},
		depthStep{err: errors.New("connection reset")},
		depthStep{result: ledger.DepthResult{Confirmations: 4}},
	)
	cache := newTestCache(t, fake)
	tr := newFastTracker(t, fake, cache, 5*time.Second)
	seedPending(t, cache, "tx-4")

	updates, err := tr.Track("tx-4")
	require.NoError(t, err)

	final := awaitTerminal(t, updates)
	assert.Equal(t, models.StatusConfirmed, final.Status)
}

func TestTrackUnknownTransaction(t *testing.T) {
	fake := newDepthLedger()
	cache := newTestCache(t, fake)
	tr := newFastTracker(t, fake, cache, time.Second)

	_, err := tr.Track("nope")
	assert.ErrorIs(t, err, txcache.ErrRecordNotFound)
}

func TestTrackTerminalRecordReplays(t *testing.T) {
	fake := newDepthLedger()
	cache := newTestCache(t, fake)
	tr := newFastTracker(t, fake, cache, time.Second)

	record := seedPending(t, cache, "tx-5")
	record.Status = models.StatusConfirmed
	record.Confirmations = 3
	_, err := cache.Upsert(record)
	require.NoError(t, err)

	updates, err := tr.Track("tx-5")
	require.NoError(t, err)

	replayed, ok := <-updates
	require.True(t, ok)
	assert.Equal(t, models.StatusConfirmed, replayed.Status)
	_, open := <-updates
	assert.False(t, open)
	assert.Equal(t, 0, tr.InFlight())
}

func TestTrackTwiceSharesOnePoller(t *testing.T) {
	fake := newDepthLedger()
	fake.script("tx-6",
		depthStep{result: ledger.DepthResult{Confirmations: 0}},
		depthStep{result: ledger.DepthResult{Confirmations: 0}},
		depthStep{result: ledger.DepthResult{Confirmations: 0}},
		depthStep{result: ledger.DepthResult{Confirmations: 3}},
	)
	cache := newTestCache(t, fake)
	tr := newFastTracker(t, fake, cache, 5*time.Second)
	seedPending(t, cache, "tx-6")

	// Count terminal events on the cache's firehose: exactly one
	// terminal write must happen no matter how many Track calls attach.
	events, cancel := cache.Observe("")
	defer cancel()

	first, err := tr.Track("tx-6")
	require.NoError(t, err)
	second, err := tr.Track("tx-6")
	require.NoError(t, err)
	assert.Equal(t, 1, tr.InFlight())

	a := awaitTerminal(t, first)
	b := awaitTerminal(t, second)
	assert.Equal(t, models.StatusConfirmed, a.Status)
	assert.Equal(t, models.StatusConfirmed, b.Status)

	terminal := 0
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.Record.Status.Terminal() {
				terminal++
			}
		case <-time.After(100 * time.Millisecond):
			done = true
		}
	}
	assert.Equal(t, 1, terminal)
}

func TestCloseLeavesRecordPending(t *testing.T) {
	fake := newDepthLedger()
	fake.script("tx-7",
		depthStep{result: ledger.DepthResult{Confirmations: 1}},
	)
	cache := newTestCache(t, fake)
	tr := New(fake, cache, 3, time.Millisecond, time.Minute, 10000)
	seedPending(t, cache, "tx-7")

	updates, err := tr.Track("tx-7")
	require.NoError(t, err)

	// Wait for the first progress update so the poller is running.
	select {
	case <-updates:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for progress update")
	}

	tr.Close()

	stored, err := cache.Get("tx-7")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Equal(t, 0, tr.InFlight())
}
