package txcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/brickfolio/backend/src/ledger"
	"github.com/username/brickfolio/backend/src/models"
)

func TestUpsertInsertsNewRecord(t *testing.T) {
	cache := newTestCache(t, nil)

	record := pendingPurchase("tx-1", "brick1alice")
	stored, err := cache.Upsert(record)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)

	got, err := cache.Get("tx-1")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", got.ID)
	assert.Equal(t, models.KindPurchase, got.Kind)
	assert.Equal(t, "brick1alice", got.Initiator)
	assert.True(t, record.Amount.Equal(got.Amount))
}

func TestUpsertRejectsInvalidRecord(t *testing.T) {
	cache := newTestCache(t, nil)

	record := pendingPurchase("tx-bad", "brick1alice")
	record.Status = models.TxStatus("LIMBO")
	_, err := cache.Upsert(record)
	assert.Error(t, err)

	_, err = cache.Get("tx-bad")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestUpsertConfirmationsOnlyIncrease(t *testing.T) {
	cache := newTestCache(t, nil)

	record := pendingPurchase("tx-2", "brick1alice")
	_, err := cache.Upsert(record)
	require.NoError(t, err)

	record.Confirmations = 2
	stored, err := cache.Upsert(record)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Confirmations)

	// A stale poll result must not move the counter backwards.
	record.Confirmations = 1
	stored, err = cache.Upsert(record)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Confirmations)
}

func TestUpsertTerminalStateIsFinal(t *testing.T) {
	cache := newTestCache(t, nil)

	record := pendingPurchase("tx-3", "brick1alice")
	_, err := cache.Upsert(record)
	require.NoError(t, err)

	record.Status = models.StatusConfirmed
	record.Confirmations = 3
	stored, err := cache.Upsert(record)
	require.NoError(t, err)
	require.Equal(t, models.StatusConfirmed, stored.Status)
	require.NotNil(t, stored.ConfirmedAt)

	// Late writes against a terminal record are silently dropped.
	late := record
	late.Status = models.StatusFailed
	late.FailureReason = models.FailureReverted
	late.Confirmations = 9
	stored, err = cache.Upsert(late)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, stored.Status)
	assert.Equal(t, int64(3), stored.Confirmations)
	assert.Empty(t, stored.FailureReason)

	got, err := cache.Get("tx-3")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, got.Status)
}

func TestUpsertFailureCarriesReason(t *testing.T) {
	cache := newTestCache(t, nil)

	record := pendingPurchase("tx-4", "brick1alice")
	_, err := cache.Upsert(record)
	require.NoError(t, err)

	record.Status = models.StatusFailed
	record.FailureReason = models.FailureTimeout
	stored, err := cache.Upsert(record)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, models.FailureTimeout, stored.FailureReason)
	assert.NotNil(t, stored.ConfirmedAt)
}

func TestQueryOrdersMostRecentFirst(t *testing.T) {
	cache := newTestCache(t, nil)
	base := time.Now().UTC().Add(-time.Hour)

	for i, id := range []string{"tx-old", "tx-mid", "tx-new"} {
		record := pendingPurchase(id, "brick1alice")
		record.SubmittedAt = base.Add(time.Duration(i) * time.Minute)
		_, err := cache.Upsert(record)
		require.NoError(t, err)
	}
	other := pendingPurchase("tx-other", "brick1bob")
	_, err := cache.Upsert(other)
	require.NoError(t, err)

	records, err := cache.Query("brick1alice")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "tx-new", records[0].ID)
	assert.Equal(t, "tx-mid", records[1].ID)
	assert.Equal(t, "tx-old", records[2].ID)
}

func TestQueryKindFilter(t *testing.T) {
	cache := newTestCache(t, nil)

	purchase := pendingPurchase("tx-p", "brick1alice")
	_, err := cache.Upsert(purchase)
	require.NoError(t, err)

	stake := pendingPurchase("tx-s", "brick1alice")
	stake.Kind = models.KindStake
	_, err = cache.Upsert(stake)
	require.NoError(t, err)

	records, err := cache.Query("brick1alice", models.KindStake)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "tx-s", records[0].ID)

	records, err = cache.Query("brick1alice", models.KindStake, models.KindPurchase)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestQueryCacheInvalidatedOnUpsert(t *testing.T) {
	cache := newTestCache(t, nil)

	_, err := cache.Upsert(pendingPurchase("tx-a", "brick1alice"))
	require.NoError(t, err)

	records, err := cache.Query("brick1alice")
	require.NoError(t, err)
	require.Len(t, records, 1)

	// The cached list must not mask a write that happened after it.
	_, err = cache.Upsert(pendingPurchase("tx-b", "brick1alice"))
	require.NoError(t, err)

	records, err = cache.Query("brick1alice")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestIndexHistoricalMergesResolvedOps(t *testing.T) {
	submitted := time.Now().UTC().Add(-24 * time.Hour)
	resolved := submitted.Add(time.Minute)
	fake := &fakeLedger{history: []ledger.HistoricalOp{
		{
			ID:            "hist-1",
			Kind:          models.KindPurchase,
			Account:       "brick1alice",
			Amount:        decimal.RequireFromString("50"),
			Confirmations: 12,
			SubmittedAt:   submitted,
			ResolvedAt:    resolved,
		},
		{
			ID:            "hist-2",
			Kind:          models.KindStake,
			Account:       "brick1alice",
			Amount:        decimal.RequireFromString("10"),
			Confirmations: 12,
			SubmittedAt:   submitted,
			ResolvedAt:    resolved,
			Failed:        true,
		},
	}}
	cache := newTestCache(t, fake)

	require.Equal(t, StateUninitialized, cache.State("brick1alice"))
	require.NoError(t, cache.IndexHistorical(context.Background(), "brick1alice"))
	assert.Equal(t, StateReady, cache.State("brick1alice"))

	confirmed, err := cache.Get("hist-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ConfirmedAt)

	failed, err := cache.Get("hist-2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Equal(t, models.FailureReverted, failed.FailureReason)
}

func TestIndexHistoricalRunsOncePerSession(t *testing.T) {
	fake := &fakeLedger{}
	cache := newTestCache(t, fake)

	require.NoError(t, cache.IndexHistorical(context.Background(), "brick1alice"))
	require.NoError(t, cache.IndexHistorical(context.Background(), "brick1alice"))
	assert.Equal(t, 1, fake.calls())

	// A different account gets its own indexing run.
	require.NoError(t, cache.IndexHistorical(context.Background(), "brick1bob"))
	assert.Equal(t, 2, fake.calls())
}

func TestIndexHistoricalRetriesAfterFailure(t *testing.T) {
	fake := &fakeLedger{historyErr: errors.New("rpc unreachable")}
	cache := newTestCache(t, fake)

	err := cache.IndexHistorical(context.Background(), "brick1alice")
	require.Error(t, err)
	assert.Equal(t, StateUninitialized, cache.State("brick1alice"))

	fake.mu.Lock()
	fake.historyErr = nil
	fake.mu.Unlock()

	require.NoError(t, cache.IndexHistorical(context.Background(), "brick1alice"))
	assert.Equal(t, StateReady, cache.State("brick1alice"))
	assert.Equal(t, 2, fake.calls())
}

func TestIndexHistoricalDoesNotDowngradeLiveRecord(t *testing.T) {
	live := pendingPurchase("tx-live", "brick1alice")
	live.Status = models.StatusConfirmed
	live.Confirmations = 5

	fake := &fakeLedger{history: []ledger.HistoricalOp{{
		ID:            "tx-live",
		Kind:          models.KindPurchase,
		Account:       "brick1alice",
		Amount:        live.Amount,
		Confirmations: 3,
		SubmittedAt:   live.SubmittedAt,
		Failed:        true,
	}}}
	cache := newTestCache(t, fake)

	_, err := cache.Upsert(live)
	require.NoError(t, err)

	require.NoError(t, cache.IndexHistorical(context.Background(), "brick1alice"))

	got, err := cache.Get("tx-live")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, got.Status)
	assert.Equal(t, int64(5), got.Confirmations)
}

func TestObserveDeliversAccountEvents(t *testing.T) {
	cache := newTestCache(t, nil)

	events, cancel := cache.Observe("brick1alice")
	defer cancel()

	record := pendingPurchase("tx-obs", "brick1alice")
	_, err := cache.Upsert(record)
	require.NoError(t, err)

	// Writes for other accounts must not reach this subscriber.
	_, err = cache.Upsert(pendingPurchase("tx-noise", "brick1bob"))
	require.NoError(t, err)

	record.Status = models.StatusConfirmed
	record.Confirmations = 3
	_, err = cache.Upsert(record)
	require.NoError(t, err)

	first := receiveEvent(t, events)
	assert.Equal(t, "tx-obs", first.Record.ID)
	assert.Equal(t, models.StatusPending, first.Record.Status)
	assert.Equal(t, models.TxStatus(""), first.Previous)

	second := receiveEvent(t, events)
	assert.Equal(t, "tx-obs", second.Record.ID)
	assert.Equal(t, models.StatusConfirmed, second.Record.Status)
	assert.Equal(t, models.StatusPending, second.Previous)
	assert.True(t, second.StatusChanged())
}

func TestObserveAllAccounts(t *testing.T) {
	cache := newTestCache(t, nil)

	events, cancel := cache.Observe("")
	defer cancel()

	_, err := cache.Upsert(pendingPurchase("tx-x", "brick1alice"))
	require.NoError(t, err)
	_, err = cache.Upsert(pendingPurchase("tx-y", "brick1bob"))
	require.NoError(t, err)

	assert.Equal(t, "tx-x", receiveEvent(t, events).Record.ID)
	assert.Equal(t, "tx-y", receiveEvent(t, events).Record.ID)
}

func receiveEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cache event")
		return Event{}
	}
}
