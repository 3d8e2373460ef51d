package notifications

import (
	"sync"

	"github.com/username/brickfolio/backend/src/models"
)

type subscription struct {
	account string
	ch      chan models.NotificationRecord
}

// Hub fans notification records out to subscribers. Same contract as
// the transaction cache hub: explicit cancel, slow subscribers dropped.
type Hub struct {
	mu      sync.Mutex
	nextSub int
	subs    map[int]subscription
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]subscription)}
}

func (h *Hub) Publish(n models.NotificationRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subs {
		if sub.account != "" && sub.account != n.Account {
			continue
		}
		select {
		case sub.ch <- n:
		default:
			close(sub.ch)
			delete(h.subs, id)
		}
	}
}

func (h *Hub) Subscribe(account string) (<-chan models.NotificationRecord, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSub
	h.nextSub++
	ch := make(chan models.NotificationRecord, 128)
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
