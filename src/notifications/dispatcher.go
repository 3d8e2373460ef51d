package notifications

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/username/brickfolio/backend/src/logger"
	"github.com/username/brickfolio/backend/src/models"
	"github.com/username/brickfolio/backend/src/txcache"
)

var ErrNotificationNotFound = errors.New("notification not found")

// Dispatcher derives user-facing notifications from transaction cache
// events. Terminal transitions (CONFIRMED, FAILED) are persisted;
// PENDING notifications, when enabled, are session-scoped and vanish on
// dismiss or expiry. Both stores are exposed through one read model
// tagged by origin.
type Dispatcher struct {
	db            *sql.DB
	session       *gocache.Cache
	sessionExpiry time.Duration
	notifyPending bool
	hub           *Hub

	events  <-chan txcache.Event
	cancel  func()
	stopped chan struct{}
}

func NewDispatcher(db *sql.DB, session *gocache.Cache, sessionExpiry time.Duration, notifyPending bool) *Dispatcher {
	return &Dispatcher{
		db:            db,
		session:       session,
		sessionExpiry: sessionExpiry,
		notifyPending: notifyPending,
		hub:           NewHub(),
		stopped:       make(chan struct{}),
	}
}

// Start subscribes to the transaction cache and dispatches until Stop.
func (d *Dispatcher) Start(cache *txcache.Cache) {
	d.events, d.cancel = cache.Observe("")
	go func() {
		defer close(d.stopped)
		for event := range d.events {
			d.handle(event)
		}
	}()
}

// Stop unsubscribes from the cache and waits for the dispatch loop.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
		<-d.stopped
	}
}

func (d *Dispatcher) handle(event txcache.Event) {
	if !event.StatusChanged() {
		return
	}
	record := event.Record
	if record.Status == models.StatusPending && !d.notifyPending {
		return
	}

	notif := models.NotificationRecord{
		ID:        uuid.New().String(),
		Account:   record.Initiator,
		TxID:      record.ID,
		Kind:      record.Kind,
		Status:    record.Status,
		Message:   messageFor(record),
		CreatedAt: time.Now().UTC(),
	}

	if record.Status == models.StatusPending {
		notif.Origin = models.OriginSession
		d.session.Set(notif.ID, notif, d.sessionExpiry)
	} else {
		notif.Origin = models.OriginPersisted
		if err := d.persist(notif); err != nil {
			logger.L.Error("Failed to persist notification", "txID", notif.TxID, "error", err)
			return
		}
	}

	d.hub.Publish(notif)
}

func messageFor(r models.TransactionRecord) string {
	verb := map[models.TxKind]string{
		models.KindPurchase:       "Token purchase",
		models.KindSale:           "Token sale",
		models.KindStake:          "Stake",
		models.KindUnstake:        "Unstake",
		models.KindClaim:          "Revenue claim",
		models.KindKYCSubmit:      "KYC submission",
		models.KindKYCApprove:     "KYC approval",
		models.KindPropertyCreate: "Property deployment",
		models.KindTokenList:      "Token listing",
	}[r.Kind]
	if verb == "" {
		verb = "Transaction"
	}

	switch r.Status {
	case models.StatusConfirmed:
		return fmt.Sprintf("%s of %s confirmed", verb, r.Amount)
	case models.StatusFailed:
		if r.FailureReason == models.FailureTimeout {
			return fmt.Sprintf("%s of %s was not confirmed in time", verb, r.Amount)
		}
		return fmt.Sprintf("%s of %s failed", verb, r.Amount)
	default:
		return fmt.Sprintf("%s of %s submitted", verb, r.Amount)
	}
}

func (d *Dispatcher) persist(n models.NotificationRecord) error {
	_, err := d.db.Exec(`
		INSERT INTO notifications (id, account, tx_id, kind, status, message, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Account, n.TxID, string(n.Kind), string(n.Status), n.Message, n.Read, n.CreatedAt)
	return err
}

// List returns an account's notifications most-recent-first. With an
// empty origin both stores are merged; otherwise only the named one.
func (d *Dispatcher) List(account string, origin models.NotificationOrigin) ([]models.NotificationRecord, error) {
	var all []models.NotificationRecord

	if origin == "" || origin == models.OriginPersisted {
		rows, err := d.db.Query(`
			SELECT id, account, tx_id, kind, status, message, read, created_at
			FROM notifications
			WHERE account = ?
			ORDER BY created_at DESC, id DESC`, account)
		if err != nil {
			return nil, fmt.Errorf("querying notifications for %s: %w", account, err)
		}
		defer rows.Close()

		for rows.Next() {
			var n models.NotificationRecord
			var kind, status string
			if err := rows.Scan(&n.ID, &n.Account, &n.TxID, &kind, &status, &n.Message, &n.Read, &n.CreatedAt); err != nil {
				return nil, fmt.Errorf("scanning notification for %s: %w", account, err)
			}
			n.Kind = models.TxKind(kind)
			n.Status = models.TxStatus(status)
			n.Origin = models.OriginPersisted
			all = append(all, n)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating notifications for %s: %w", account, err)
		}
	}

	if origin == "" || origin == models.OriginSession {
		for _, item := range d.session.Items() {
			n, ok := item.Object.(models.NotificationRecord)
			if ok && n.Account == account {
				all = append(all, n)
			}
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if all == nil {
		all = []models.NotificationRecord{}
	}
	return all, nil
}

// UnreadCount returns the number of unread notifications across both
// stores for an account.
func (d *Dispatcher) UnreadCount(account string) (int, error) {
	var count int
	err := d.db.QueryRow(`
		SELECT COUNT(*) FROM notifications WHERE account = ? AND read = 0`, account).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting unread notifications for %s: %w", account, err)
	}
	for _, item := range d.session.Items() {
		if n, ok := item.Object.(models.NotificationRecord); ok && n.Account == account && !n.Read {
			count++
		}
	}
	return count, nil
}

// MarkRead marks one notification read in whichever store holds it.
func (d *Dispatcher) MarkRead(account, id string) error {
	res, err := d.db.Exec(`
		UPDATE notifications SET read = 1 WHERE id = ? AND account = ?`, id, account)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	if item, expiry, found := d.session.GetWithExpiration(id); found {
		if n, ok := item.(models.NotificationRecord); ok && n.Account == account {
			n.Read = true
			ttl := time.Until(expiry)
			if expiry.IsZero() {
				ttl = gocache.NoExpiration
			}
			d.session.Set(id, n, ttl)
			return nil
		}
	}
	return ErrNotificationNotFound
}

// MarkAllRead marks every notification for the account read.
func (d *Dispatcher) MarkAllRead(account string) error {
	if _, err := d.db.Exec(`
		UPDATE notifications SET read = 1 WHERE account = ? AND read = 0`, account); err != nil {
		return err
	}
	for id, item := range d.session.Items() {
		if n, ok := item.Object.(models.NotificationRecord); ok && n.Account == account && !n.Read {
			n.Read = true
			d.session.Set(id, n, d.sessionExpiry)
		}
	}
	return nil
}

// Dismiss removes a session notification. Persisted notifications
// cannot be dismissed, only marked read.
func (d *Dispatcher) Dismiss(account, id string) error {
	if item, found := d.session.Get(id); found {
		if n, ok := item.(models.NotificationRecord); ok && n.Account == account {
			d.session.Delete(id)
			return nil
		}
	}
	return ErrNotificationNotFound
}

// Observe subscribes to notification events for one account. The
// cancel func must be called on teardown.
func (d *Dispatcher) Observe(account string) (<-chan models.NotificationRecord, func()) {
	return d.hub.Subscribe(account)
}
