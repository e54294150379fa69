package models

// BonusWindow holds the last claim of one bonus kind for one user.
type BonusWindow struct {
	ID            string `gorm:"primaryKey;type:uuid" json:"id"`
	UserID        string `gorm:"uniqueIndex:idx_bonus_user_kind;not null" json:"user_id"`
	Kind          string `gorm:"uniqueIndex:idx_bonus_user_kind;not null" json:"kind"`
	LastClaimedAt int64  `gorm:"not null;default:0" json:"last_claimed_at"` // epoch seconds, 0 = never
	Claims        int64  `gorm:"not null;default:0" json:"claims"`

	Timestamps
}
