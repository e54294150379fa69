package services

import (
	"context"
	"fmt"
	"time"

	"reward-ledger/models"
)

// Bonus kinds.
const (
	BonusDailyLogin = "daily-login"
	BonusDailyTask  = "daily-task"
	BonusOnboarding = "onboarding"
)

// BonusRule describes how much a bonus kind pays and how often.
type BonusRule struct {
	Kind              string
	Flat              int64
	ScaleByMultiplier bool
	UseAgeReward      bool
	PremiumBonus      int64
	OneTime           bool
}

// Amount is Flat, scaled by the account multiplier when asked, plus the
// age reward and the premium bonus where they apply.
func (r BonusRule) Amount(acct *models.Account, ageReward int64) int64 {
	amount := r.Flat
	if r.ScaleByMultiplier {
		amount *= acct.Multiplier()
	}
	if r.UseAgeReward && ageReward > 0 {
		amount += ageReward
	}
	if acct.IsPremium {
		amount += r.PremiumBonus
	}
	return amount
}

// DefaultBonusRules are the login streak, the daily task and the one-time
// onboarding gift.
func DefaultBonusRules(dailyLogin, dailyTask, premium int64) []BonusRule {
	return []BonusRule{
		{Kind: BonusDailyLogin, Flat: dailyLogin, ScaleByMultiplier: true},
		{Kind: BonusDailyTask, Flat: dailyTask},
		{Kind: BonusOnboarding, UseAgeReward: true, PremiumBonus: premium, OneTime: true},
	}
}

// BonusState is the eligibility of one bonus kind for one user.
type BonusState struct {
	Kind          string     `json:"kind"`
	Eligible      bool       `json:"eligible"`
	OneTime       bool       `json:"one_time"`
	LastClaimedAt int64      `json:"last_claimed_at"`
	Claims        int64      `json:"claims"`
	NextOpening   *time.Time `json:"next_opening,omitempty"`
}

// BonusStatus lists every configured bonus kind in configuration order.
func (s *RewardService) BonusStatus(ctx context.Context, userID string) ([]BonusState, error) {
	out := make([]BonusState, 0, len(s.cfg.Bonuses))
	for _, r := range s.cfg.Bonuses {
		st, err := s.bonusState(ctx, userID, r)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *RewardService) bonusState(ctx context.Context, userID string, rule BonusRule) (BonusState, error) {
	var w models.BonusWindow
	err := s.Ledger.DB.WithContext(ctx).
		Where("user_id = ? AND kind = ?", userID, rule.Kind).Limit(1).Find(&w).Error
	if err != nil {
		return BonusState{}, fmt.Errorf("load bonus window %s/%s: %w", userID, rule.Kind, err)
	}
	return s.bonusStateOf(rule, &w, s.Ledger.Clock.Now()), nil
}

func (s *RewardService) bonusStateOf(rule BonusRule, w *models.BonusWindow, now time.Time) BonusState {
	st := BonusState{
		Kind:          rule.Kind,
		OneTime:       rule.OneTime,
		LastClaimedAt: w.LastClaimedAt,
		Claims:        w.Claims,
		Eligible:      s.eligible(rule, w.LastClaimedAt, now),
	}
	if !st.Eligible && !rule.OneTime {
		next := s.Window.NextOpening(now)
		st.NextOpening = &next
	}
	return st
}

func (s *RewardService) eligible(rule BonusRule, lastClaimedAt int64, now time.Time) bool {
	if rule.OneTime {
		return lastClaimedAt == 0
	}
	return s.Window.IsEligible(lastClaimedAt, now.Unix())
}

func (s *RewardService) bonusOutcome(ctx context.Context, userID string, st BonusState, opErr error) (Outcome, error) {
	balance, err := s.Ledger.GetBalance(ctx, userID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Balance: balance, CurrentBalance: balance, Bonus: &st}, opErr
}
