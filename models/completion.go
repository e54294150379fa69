package models

import "time"

// CompletionState is the progress of one user through one task.
type CompletionState string

const (
	StateNotStarted          CompletionState = "NOT_STARTED"
	StatePendingVerification CompletionState = "PENDING_VERIFICATION"
	StateVerifiedUnclaimed   CompletionState = "VERIFIED_UNCLAIMED"
	StateClaimed             CompletionState = "CLAIMED"
)

// CompletionRecord is created lazily on the first verification request.
// CLAIMED is terminal.
type CompletionRecord struct {
	ID     string          `gorm:"primaryKey;type:uuid" json:"id"`
	UserID string          `gorm:"uniqueIndex:idx_completion_user_task;not null" json:"user_id"`
	TaskID string          `gorm:"uniqueIndex:idx_completion_user_task;not null" json:"task_id"`
	State  CompletionState `gorm:"type:varchar(32);not null;default:'NOT_STARTED';index" json:"state"`

	// Generation increases every time a verification run starts so a late
	// adapter result cannot land on a newer run.
	Generation int64 `gorm:"not null;default:0" json:"generation"`
	Attempts   int   `gorm:"not null;default:0" json:"attempts"`

	RequestedAt *time.Time `json:"requested_at,omitempty"`
	VerifiedAt  *time.Time `json:"verified_at,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`

	Timestamps
}

// Persisted reports whether the record exists in the database yet.
func (r *CompletionRecord) Persisted() bool {
	return r.ID != ""
}
