package models

import "time"

// ReferralEdge records that InviteeID first arrived through InviterID's link.
// An invitee has at most one inviter.
type ReferralEdge struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"id"`
	InviterID string    `gorm:"index;not null" json:"inviter_id"`
	InviteeID string    `gorm:"uniqueIndex;not null" json:"invitee_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
