package models

import "time"

// NotificationOrigin tags which store a notification came from. Session
// notifications live in memory and disappear on dismiss or expiry;
// persisted notifications survive a restart.
type NotificationOrigin string

const (
	OriginSession   NotificationOrigin = "SESSION"
	OriginPersisted NotificationOrigin = "PERSISTED"
)

// NotificationRecord is a user-facing notification derived from a
// transaction status transition.
type NotificationRecord struct {
	ID        string             `json:"id"`
	Account   string             `json:"account"`
	TxID      string             `json:"tx_id"`
	Kind      TxKind             `json:"kind"`
	Status    TxStatus           `json:"status"`
	Message   string             `json:"message"`
	Origin    NotificationOrigin `json:"origin"`
	Read      bool               `json:"read"`
	CreatedAt time.Time          `json:"created_at"`
}
