package models

import "time"

// LedgerEntry is one applied idempotency key. The table is append-only:
// BalanceAfter is the result replayed to any duplicate of the same key.
type LedgerEntry struct {
	IdempotencyKey string    `gorm:"primaryKey;size:255" json:"idempotency_key"`
	UserID         string    `gorm:"index;not null" json:"user_id"`
	SourceID       string    `gorm:"not null" json:"source_id"`
	Nonce          string    `json:"nonce,omitempty"`
	Delta          int64     `gorm:"not null" json:"delta"`
	BalanceAfter   int64     `gorm:"not null" json:"balance_after"`
	Reason         string    `json:"reason,omitempty"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
