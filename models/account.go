package models

import (
	"time"
)

// Account is the ledger's view of a user. Balance is only ever changed
// through ledger entries, never written directly by request handlers.
type Account struct {
	ID       string `gorm:"primaryKey;type:uuid" json:"id"`
	UserID   string `gorm:"uniqueIndex;not null" json:"user_id"` // Telegram user id, opaque to the ledger
	Username string `gorm:"index" json:"username"`

	Balance   int64 `gorm:"not null;default:0" json:"balance"`
	IsPremium bool  `gorm:"not null;default:false" json:"is_premium"`

	// Purchased upgrades
	SpeedLevel      int `gorm:"not null;default:1" json:"speed_level"`
	MultiplierLevel int `gorm:"not null;default:1" json:"multiplier_level"`

	// Number of referral edges already paid out. Never exceeds the edge count.
	ReferralRewardedCount int64 `gorm:"not null;default:0" json:"referral_rewarded_count"`

	Timestamps
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// Multiplier returns the bonus multiplier, never below 1.
func (a *Account) Multiplier() int64 {
	if a.MultiplierLevel < 1 {
		return 1
	}
	return int64(a.MultiplierLevel)
}
