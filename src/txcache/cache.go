package txcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/username/brickfolio/backend/src/ledger"
	"github.com/username/brickfolio/backend/src/logger"
	"github.com/username/brickfolio/backend/src/models"
)

const (
	ckAccountTransactions = "txq_account_%s"

	DefaultCacheExpiration = 15 * time.Minute
	CacheCleanupInterval   = 30 * time.Minute
)

// IndexState is the per-account historical indexing state. Indexing
// runs at most once per session per account; live upserts are allowed
// in every state.
type IndexState string

const (
	StateUninitialized IndexState = "UNINITIALIZED"
	StateIndexing      IndexState = "INDEXING"
	StateReady         IndexState = "READY"
)

var ErrRecordNotFound = errors.New("transaction record not found")

// Cache is the deduplicated, persisted store of transaction records.
// Upsert is the single write path; it enforces forward-only status
// transitions and publishes every change to the observe hub.
type Cache struct {
	db         *sql.DB
	ledger     ledger.Client
	queryCache *gocache.Cache
	hub        *Hub

	mu      sync.Mutex
	idLocks map[string]*sync.Mutex
	states  map[string]IndexState
}

func New(db *sql.DB, ledgerClient ledger.Client, queryCache *gocache.Cache) *Cache {
	return &Cache{
		db:         db,
		ledger:     ledgerClient,
		queryCache: queryCache,
		hub:        NewHub(),
		idLocks:    make(map[string]*sync.Mutex),
		states:     make(map[string]IndexState),
	}
}

// lockFor returns the mutex guarding one transaction id. Locks are
// created lazily and kept for the session; records are never deleted so
// the map only grows with distinct ids.
func (c *Cache) lockFor(id string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.idLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		c.idLocks[id] = lock
	}
	return lock
}

// Upsert merges a record by id and returns the stored result. Writes to
// a record already in a terminal state are no-ops; PENDING records only
// move forward (confirmations never decrease, status only advances to
// CONFIRMED or FAILED).
func (c *Cache) Upsert(record models.TransactionRecord) (models.TransactionRecord, error) {
	if err := record.Validate(); err != nil {
		return models.TransactionRecord{}, err
	}

	lock := c.lockFor(record.ID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := c.Get(record.ID)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return models.TransactionRecord{}, err
	}

	if errors.Is(err, ErrRecordNotFound) {
		if record.SubmittedAt.IsZero() {
			record.SubmittedAt = time.Now().UTC()
		}
		if err := c.insert(record); err != nil {
			return models.TransactionRecord{}, err
		}
		c.invalidateQueries(record.Initiator)
		c.hub.Publish(Event{Record: record, Previous: ""})
		return record, nil
	}

	// Terminal records reject further writes.
	if existing.Status.Terminal() {
		return existing, nil
	}

	merged := existing
	changed := false
	if record.Confirmations > merged.Confirmations {
		merged.Confirmations = record.Confirmations
		changed = true
	}
	if record.Status.Terminal() {
		merged.Status = record.Status
		merged.FailureReason = record.FailureReason
		if record.ConfirmedAt != nil {
			merged.ConfirmedAt = record.ConfirmedAt
		} else {
			now := time.Now().UTC()
			merged.ConfirmedAt = &now
		}
		changed = true
	}

	if !changed {
		return existing, nil
	}

	if err := c.update(merged); err != nil {
		return models.TransactionRecord{}, err
	}
	c.invalidateQueries(merged.Initiator)
	c.hub.Publish(Event{Record: merged, Previous: existing.Status})
	return merged, nil
}

// Get loads one record by id.
func (c *Cache) Get(id string) (models.TransactionRecord, error) {
	row := c.db.QueryRow(`
		SELECT id, kind, initiator, related_entity_id, amount, status,
		       confirmations, failure_reason, submitted_at, confirmed_at
		FROM transactions
		WHERE id = ?`, id)
	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return models.TransactionRecord{}, ErrRecordNotFound
	}
	if err != nil {
		return models.TransactionRecord{}, fmt.Errorf("querying transaction %s: %w", id, err)
	}
	return record, nil
}

// Query returns an account's records most-recent-first, optionally
// restricted to a set of kinds. The unfiltered list is cached; kind
// filters are applied in memory.
func (c *Cache) Query(account string, kinds ...models.TxKind) ([]models.TransactionRecord, error) {
	cacheKey := fmt.Sprintf(ckAccountTransactions, account)

	var records []models.TransactionRecord
	if cached, found := c.queryCache.Get(cacheKey); found {
		records = cached.([]models.TransactionRecord)
	} else {
		rows, err := c.db.Query(`
			SELECT id, kind, initiator, related_entity_id, amount, status,
			       confirmations, failure_reason, submitted_at, confirmed_at
			FROM transactions
			WHERE initiator = ?
			ORDER BY submitted_at DESC, id DESC`, account)
		if err != nil {
			return nil, fmt.Errorf("querying transactions for %s: %w", account, err)
		}
		defer rows.Close()

		for rows.Next() {
			record, err := scanRecord(rows)
			if err != nil {
				return nil, fmt.Errorf("scanning transaction for %s: %w", account, err)
			}
			records = append(records, record)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating transactions for %s: %w", account, err)
		}
		c.queryCache.Set(cacheKey, records, DefaultCacheExpiration)
	}

	if len(kinds) == 0 {
		return records, nil
	}
	wanted := make(map[models.TxKind]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}
	filtered := make([]models.TransactionRecord, 0, len(records))
	for _, r := range records {
		if wanted[r.Kind] {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

// IndexHistorical enumerates the ledger's resolved history for an
// account and merges it into the cache. It runs at most once per
// session per account; a failed run resets to Uninitialized so it can
// be retried.
func (c *Cache) IndexHistorical(ctx context.Context, account string) error {
	c.mu.Lock()
	if state, ok := c.states[account]; ok && state != StateUninitialized {
		c.mu.Unlock()
		return nil
	}
	c.states[account] = StateIndexing
	c.mu.Unlock()

	ops, err := c.ledger.EnumerateHistory(ctx, account)
	if err != nil {
		c.setState(account, StateUninitialized)
		return fmt.Errorf("enumerating history for %s: %w", account, err)
	}

	for _, op := range ops {
		record := models.TransactionRecord{
			ID:              op.ID,
			Kind:            op.Kind,
			Initiator:       op.Account,
			RelatedEntityID: op.RelatedEntityID,
			Amount:          op.Amount,
			Status:          models.StatusConfirmed,
			Confirmations:   op.Confirmations,
			SubmittedAt:     op.SubmittedAt,
		}
		if !op.ResolvedAt.IsZero() {
			resolved := op.ResolvedAt
			record.ConfirmedAt = &resolved
		}
		// History is already resolved; a failed entry is terminal FAILED,
		// never PENDING.
		if op.Failed {
			record.Status = models.StatusFailed
			record.FailureReason = models.FailureReverted
		}
		if _, err := c.Upsert(record); err != nil {
			logger.L.Warn("Skipping unmergeable historical record", "txID", op.ID, "error", err)
		}
	}

	c.setState(account, StateReady)
	logger.L.Info("Historical indexing complete", "account", account, "records", len(ops))
	return nil
}

func (c *Cache) setState(account string, state IndexState) {
	c.mu.Lock()
	c.states[account] = state
	c.mu.Unlock()
}

// State reports the indexing state for an account.
func (c *Cache) State(account string) IndexState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.states[account]; ok {
		return state
	}
	return StateUninitialized
}

// Observe subscribes to record changes for one account (or all, when
// account is empty). The cancel func must be called on teardown.
func (c *Cache) Observe(account string) (<-chan Event, func()) {
	return c.hub.Subscribe(account)
}

func (c *Cache) invalidateQueries(account string) {
	c.queryCache.Delete(fmt.Sprintf(ckAccountTransactions, account))
}

func (c *Cache) insert(r models.TransactionRecord) error {
	_, err := c.db.Exec(`
		INSERT INTO transactions (id, kind, initiator, related_entity_id, amount,
			status, confirmations, failure_reason, submitted_at, confirmed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Kind), r.Initiator, r.RelatedEntityID, r.Amount.String(),
		string(r.Status), r.Confirmations, r.FailureReason, r.SubmittedAt, r.ConfirmedAt)
	if err != nil {
		return fmt.Errorf("inserting transaction %s: %w", r.ID, err)
	}
	return nil
}

func (c *Cache) update(r models.TransactionRecord) error {
	_, err := c.db.Exec(`
		UPDATE transactions
		SET status = ?, confirmations = ?, failure_reason = ?, confirmed_at = ?
		WHERE id = ?`,
		string(r.Status), r.Confirmations, r.FailureReason, r.ConfirmedAt, r.ID)
	if err != nil {
		return fmt.Errorf("updating transaction %s: %w", r.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (models.TransactionRecord, error) {
	var r models.TransactionRecord
	var kind, status, amountStr string
	var relatedEntityID, failureReason sql.NullString
	var confirmedAt sql.NullTime
	err := row.Scan(&r.ID, &kind, &r.Initiator, &relatedEntityID, &amountStr,
		&status, &r.Confirmations, &failureReason, &r.SubmittedAt, &confirmedAt)
	if err != nil {
		return models.TransactionRecord{}, err
	}
	r.Kind = models.TxKind(kind)
	r.Status = models.TxStatus(status)
	r.RelatedEntityID = relatedEntityID.String
	r.FailureReason = failureReason.String
	r.Amount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return models.TransactionRecord{}, fmt.Errorf("corrupt amount %q on transaction %s: %w", amountStr, r.ID, err)
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		r.ConfirmedAt = &t
	}
	return r, nil
}
