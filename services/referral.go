package services

import (
	"context"
	"fmt"
	"strings"

	"reward-ledger/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReferralCounter stores inviter -> invitee edges and reports how many of an
// inviter's edges have been paid out.
type ReferralCounter struct {
	DB     *gorm.DB
	logger *zap.Logger
}

func NewReferralCounter(db *gorm.DB, logger *zap.Logger) *ReferralCounter {
	return &ReferralCounter{DB: db, logger: logger}
}

// RecordReferral inserts the edge. Self-referrals, an empty inviter and an
// invitee that already has an inviter are silent no-ops.
func (r *ReferralCounter) RecordReferral(ctx context.Context, inviterID, inviteeID string) (bool, error) {
	inviterID = strings.TrimSpace(inviterID)
	inviteeID = strings.TrimSpace(inviteeID)
	if inviterID == "" || inviteeID == "" || inviterID == inviteeID {
		return false, nil
	}

	edge := models.ReferralEdge{
		ID:        uuid.NewString(),
		InviterID: inviterID,
		InviteeID: inviteeID,
	}
	res := r.DB.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "invitee_id"}}, DoNothing: true}).
		Create(&edge)
	if res.Error != nil {
		return false, fmt.Errorf("record referral %s -> %s: %w", inviterID, inviteeID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	r.logger.Info("[REFERRAL] edge recorded",
		zap.String("inviter_id", inviterID),
		zap.String("invitee_id", inviteeID))
	return true, nil
}

// GetCounts returns the edge count and the rewarded count for userID.
func (r *ReferralCounter) GetCounts(ctx context.Context, userID string) (edges, rewarded int64, err error) {
	return r.countsIn(r.DB.WithContext(ctx), userID)
}

func (r *ReferralCounter) countsIn(db *gorm.DB, userID string) (int64, int64, error) {
	edges, err := r.countEdges(db, userID)
	if err != nil {
		return 0, 0, err
	}
	acct, err := findAccount(db, userID)
	if err != nil {
		return 0, 0, err
	}
	return edges, acct.ReferralRewardedCount, nil
}

func (r *ReferralCounter) countEdges(db *gorm.DB, userID string) (int64, error) {
	var n int64
	if err := db.Model(&models.ReferralEdge{}).Where("inviter_id = ?", userID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count referrals for %s: %w", userID, err)
	}
	return n, nil
}

// advanceRewarded moves the rewarded count from -> to. It fails with
// ErrConflict when another settlement already moved it.
func (r *ReferralCounter) advanceRewarded(db *gorm.DB, userID string, from, to int64) error {
	res := db.Model(&models.Account{}).
		Where("user_id = ? AND referral_rewarded_count = ?", userID, from).
		Update("referral_rewarded_count", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// Invitee is one row of an inviter's friend list.
type Invitee struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Balance  int64  `json:"balance"`
}

// Invitees lists the accounts that joined through userID, newest first.
func (r *ReferralCounter) Invitees(ctx context.Context, userID string, limit int) ([]Invitee, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var out []Invitee
	err := r.DB.WithContext(ctx).
		Table("referral_edges AS e").
		Select("e.invitee_id AS user_id, COALESCE(a.username, '') AS username, COALESCE(a.balance, 0) AS balance").
		Joins("LEFT JOIN accounts a ON a.user_id = e.invitee_id").
		Where("e.inviter_id = ?", userID).
		Order("e.created_at DESC").
		Limit(limit).
		Scan(&out).Error
	return out, err
}
