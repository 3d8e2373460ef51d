package txcache

import (
	"sync"

	"github.com/username/brickfolio/backend/src/models"
)

// Event is one transaction record change. Previous is empty for a
// freshly inserted record.
type Event struct {
	Record   models.TransactionRecord
	Previous models.TxStatus
}

// StatusChanged reports whether the event represents a status
// transition rather than a confirmation-depth update.
func (e Event) StatusChanged() bool {
	return e.Previous != e.Record.Status
}

type subscription struct {
	account string // empty subscribes to every account
	ch      chan Event
}

// Hub fans transaction change events out to subscribers with explicit
// subscribe/unsubscribe lifetimes. A subscriber that stops draining its
// channel is dropped rather than allowed to block the write path.
type Hub struct {
	mu      sync.Mutex
	nextSub int
	subs    map[int]subscription
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]subscription)}
}

// Publish delivers the event to every matching subscriber.
func (h *Hub) Publish(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subs {
		if sub.account != "" && sub.account != event.Record.Initiator {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			close(sub.ch)
			delete(h.subs, id)
		}
	}
}

// Subscribe registers for events of one account, or all accounts when
// account is empty. The returned cancel func must be called exactly once.
func (h *Hub) Subscribe(account string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSub
	h.nextSub++
	ch := make(chan Event, 128)
	h.subs[id] = subscription{account: account, ch: ch}

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			close(sub.ch)
			delete(h.subs, id)
		}
	}
	return ch, cancel
}
