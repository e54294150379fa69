package models

import "time"

// VerificationKind selects the adapter that decides whether a task was done.
type VerificationKind string

const (
	KindExternalLinkDelay VerificationKind = "external-link-delay"
	KindThirdPartyCheck   VerificationKind = "third-party-check"
	KindManualNone        VerificationKind = "manual-none"
	KindReferralThreshold VerificationKind = "referral-threshold"
)

// Valid reports whether k is a known verification kind.
func (k VerificationKind) Valid() bool {
	switch k {
	case KindExternalLinkDelay, KindThirdPartyCheck, KindManualNone, KindReferralThreshold:
		return true
	}
	return false
}

type TaskSource string

const (
	TaskSourceStatic  TaskSource = "static"
	TaskSourceCatalog TaskSource = "catalog"
	TaskSourceAdmin   TaskSource = "admin"
)

// Task is a claimable task. Static tasks live in code; catalog and admin
// tasks are stored in catalog_tasks. An id is never reused for another reward.
type Task struct {
	ID          string           `gorm:"primaryKey;size:128" json:"id"`
	Title       string           `gorm:"not null" json:"title"`
	Icon        string           `gorm:"type:text" json:"icon,omitempty"`
	Reward      int64            `gorm:"not null" json:"reward"`
	Kind        VerificationKind `gorm:"type:varchar(32);not null" json:"kind"`
	Link        string           `gorm:"type:text" json:"link,omitempty"`
	Resource    string           `json:"resource,omitempty"`  // external id checked by third-party adapters, e.g. "@channel"
	Threshold   int64            `json:"threshold,omitempty"` // referral-threshold only
	Source      TaskSource       `gorm:"type:varchar(16);not null" json:"source"`
	FirstSeenAt time.Time        `gorm:"index" json:"-"`
	UpdatedAt   time.Time        `json:"-"`
}

func (Task) TableName() string {
	return "catalog_tasks"
}
