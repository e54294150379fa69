// models/purchase.go
package models

import "time"

// Purchase is the receipt of a confirmed store payment.
// Table name: purchases
type Purchase struct {
	ID          string    `gorm:"primaryKey;type:uuid;not null" json:"id"`
	UserID      string    `gorm:"not null;index" json:"user_id"`
	UpgradeID   string    `gorm:"type:varchar(64);not null" json:"upgrade_id"`
	PaymentRef  string    `gorm:"type:varchar(128);not null;uniqueIndex" json:"payment_ref"`
	AmountNano  string    `gorm:"type:varchar(32)" json:"amount_nano,omitempty"`
	ConfirmedAt time.Time `gorm:"not null" json:"confirmed_at"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}
