package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"reward-ledger/models"

	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// RewardConfig holds the tunables of the reward flow.
type RewardConfig struct {
	MaxAttempts       int
	PerReferralReward int64
	Bonuses           []BonusRule
}

// RewardService turns verified work into balance. It owns the completion
// state machine and is the only caller of the ledger's credit paths.
type RewardService struct {
	Ledger     *LedgerStore
	Tasks      *TaskRegistry
	Referrals  *ReferralCounter
	Verifiers  Verifiers
	Window     *DailyWindow
	AgeRewards AgeRewardSource

	cfg    RewardConfig
	rules  map[string]BonusRule
	logger *zap.Logger
}

func NewRewardService(
	ledger *LedgerStore,
	tasks *TaskRegistry,
	referrals *ReferralCounter,
	verifiers Verifiers,
	window *DailyWindow,
	ages AgeRewardSource,
	cfg RewardConfig,
	logger *zap.Logger,
) *RewardService {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if ages == nil {
		ages = StaticAgeReward(0)
	}
	rules := make(map[string]BonusRule, len(cfg.Bonuses))
	for _, r := range cfg.Bonuses {
		rules[r.Kind] = r
	}
	return &RewardService{
		Ledger:     ledger,
		Tasks:      tasks,
		Referrals:  referrals,
		Verifiers:  verifiers,
		Window:     window,
		AgeRewards: ages,
		cfg:        cfg,
		rules:      rules,
		logger:     logger,
	}
}

// TaskState is a task joined with the caller's completion record.
type TaskState struct {
	models.Task
	State       models.CompletionState `json:"state"`
	Attempts    int                    `json:"attempts,omitempty"`
	RequestedAt *time.Time             `json:"requested_at,omitempty"`
	ClaimedAt   *time.Time             `json:"claimed_at,omitempty"`
}

// ReferralState summarises a user's invitations.
type ReferralState struct {
	Edges         int64 `json:"edges"`
	Rewarded      int64 `json:"rewarded"`
	PendingReward int64 `json:"pending_reward"`
}

// Outcome is the authoritative result of a reward operation. Balance is the
// balance produced by the operation; on a replay it is the balance recorded
// when the key was first applied, and CurrentBalance is the live value.
type Outcome struct {
	Balance        int64          `json:"balance"`
	CurrentBalance int64          `json:"current_balance"`
	Credited       int64          `json:"credited"`
	Replayed       bool           `json:"replayed"`
	Verification   string         `json:"verification,omitempty"`
	Task           *TaskState     `json:"task,omitempty"`
	Bonus          *BonusState    `json:"bonus,omitempty"`
	Referrals      *ReferralState `json:"referrals,omitempty"`
	Message        string         `json:"message,omitempty"`
}

// Identity is what the identity source knows about a caller.
type Identity struct {
	UserID     string
	Username   string
	IsPremium  bool
	StartParam string
}

// Session is the result of first contact.
type Session struct {
	Account         *models.Account `json:"account"`
	Created         bool            `json:"created"`
	ReferralCounted bool            `json:"referral_counted"`
}

// EnsureUser creates the account on first contact. The start parameter is the
// inviter's user id and is only honoured for the call that created the account.
func (s *RewardService) EnsureUser(ctx context.Context, id Identity) (Session, error) {
	acct, created, err := s.Ledger.EnsureAccount(ctx, id.UserID, Profile{Username: id.Username, IsPremium: id.IsPremium})
	if err != nil {
		return Session{}, err
	}
	out := Session{Account: acct, Created: created}
	if created && id.StartParam != "" {
		counted, err := s.Referrals.RecordReferral(ctx, strings.TrimSpace(id.StartParam), id.UserID)
		if err != nil {
			return out, err
		}
		out.ReferralCounted = counted
	}
	return out, nil
}

// RequestVerification starts verification from NOT_STARTED and runs one
// attempt. On a pending record it behaves like CheckVerification.
func (s *RewardService) RequestVerification(ctx context.Context, userID, taskID string) (Outcome, error) {
	task, err := s.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return Outcome{}, err
	}

	var rec *models.CompletionRecord
	started := false
	err = s.Ledger.WithUser(ctx, userID, func(tx *LedgerTx) error {
		if _, err := tx.Account(); err != nil {
			return err
		}
		cur, err := tx.Completion(task.ID)
		if err != nil {
			return err
		}
		rec = cur
		switch cur.State {
		case models.StateVerifiedUnclaimed, models.StateClaimed:
			return ErrNotYetClaimable
		case models.StatePendingVerification:
			return nil
		}

		from, gen := cur.State, cur.Generation
		next := *cur
		now := tx.now()
		next.State = models.StatePendingVerification
		next.Generation = gen + 1
		next.Attempts = 0
		next.RequestedAt = &now
		next.VerifiedAt = nil
		if err := tx.SaveCompletion(&next, from, gen); err != nil {
			return err
		}
		rec = &next
		started = true
		return nil
	})
	switch {
	case errors.Is(err, ErrNotYetClaimable):
		out, _ := s.taskOutcome(ctx, userID, task, rec)
		return out, err
	case errors.Is(err, ErrConflict):
		if rec, err = s.loadCompletion(ctx, userID, task.ID); err != nil {
			return Outcome{}, err
		}
		if rec.State != models.StatePendingVerification {
			return s.taskOutcome(ctx, userID, task, rec)
		}
	case err != nil:
		return Outcome{}, err
	case started:
		s.logger.Info("[VERIFY] verification requested",
			zap.String("user_id", userID),
			zap.String("task_id", task.ID),
			zap.Int64("generation", rec.Generation))
	}
	return s.attempt(ctx, userID, task, rec)
}

// CheckVerification runs one more attempt for a pending record. Records in
// any other state are reported as they are.
func (s *RewardService) CheckVerification(ctx context.Context, userID, taskID string) (Outcome, error) {
	task, err := s.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return Outcome{}, err
	}
	rec, err := s.loadCompletion(ctx, userID, task.ID)
	if err != nil {
		return Outcome{}, err
	}
	if rec.State != models.StatePendingVerification {
		return s.taskOutcome(ctx, userID, task, rec)
	}
	return s.attempt(ctx, userID, task, rec)
}

// attempt consults the adapter without holding the user lock, then applies
// the transition if the record is still in the generation that was checked.
func (s *RewardService) attempt(ctx context.Context, userID string, task models.Task, rec *models.CompletionRecord) (Outcome, error) {
	now := s.Ledger.Clock.Now()
	requestedAt := now
	if rec.RequestedAt != nil {
		requestedAt = *rec.RequestedAt
	}

	verifier := s.Verifiers.For(task.Kind)
	if st, ok := verifier.(Settler); ok && now.Before(requestedAt.Add(st.SettleDelay())) {
		out, err := s.taskOutcome(ctx, userID, task, rec)
		out.Verification = NotYetVerified.String()
		return out, err
	}

	result, verr := verifier.Verify(ctx, VerificationRequest{
		UserID:      userID,
		Task:        task,
		RequestedAt: requestedAt,
		Attempt:     rec.Attempts + 1,
		Now:         now,
	})
	if verr != nil {
		result = NotYetVerified
		if !errors.Is(verr, ErrTransientVerification) {
			verr = fmt.Errorf("%w: %v", ErrTransientVerification, verr)
		}
		s.logger.Warn("[VERIFY] adapter error",
			zap.String("user_id", userID),
			zap.String("task_id", task.ID),
			zap.Int("attempt", rec.Attempts+1),
			zap.Error(verr))
	}

	var final *models.CompletionRecord
	var opErr error
	err := s.Ledger.WithUser(ctx, userID, func(tx *LedgerTx) error {
		cur, err := tx.Completion(task.ID)
		if err != nil {
			return err
		}
		if cur.State != models.StatePendingVerification || cur.Generation != rec.Generation {
			// A newer run or a sweep got there first; this result is stale.
			final = cur
			return nil
		}

		from, gen := cur.State, cur.Generation
		next := *cur
		switch result {
		case Verified:
			at := tx.now()
			next.State = models.StateVerifiedUnclaimed
			next.VerifiedAt = &at
		case Failed:
			next.State = models.StateNotStarted
			next.RequestedAt = nil
		default:
			next.Attempts++
			if next.Attempts >= s.cfg.MaxAttempts {
				next.State = models.StateNotStarted
				next.RequestedAt = nil
				opErr = ErrVerificationTimeout
			} else {
				opErr = verr
			}
		}
		if err := tx.SaveCompletion(&next, from, gen); err != nil {
			return err
		}
		final = &next
		return nil
	})
	if errors.Is(err, ErrConflict) {
		opErr = nil
		final, err = s.loadCompletion(ctx, userID, task.ID)
	}
	if err != nil {
		return Outcome{}, err
	}

	if final.State != rec.State || opErr != nil {
		s.logger.Info("[VERIFY] attempt finished",
			zap.String("user_id", userID),
			zap.String("task_id", task.ID),
			zap.String("outcome", result.String()),
			zap.String("state", string(final.State)),
			zap.Int("attempts", final.Attempts))
	}
	out, err := s.taskOutcome(ctx, userID, task, final)
	if err != nil {
		return out, err
	}
	out.Verification = result.String()
	return out, opErr
}

// Claim credits a verified task exactly once. Claiming an already claimed task
// returns the recorded result and credits nothing.
func (s *RewardService) Claim(ctx context.Context, userID, taskID string) (Outcome, error) {
	task, err := s.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return Outcome{}, err
	}
	key := IdempotencyKey{UserID: userID, SourceID: task.ID}

	var out Outcome
	var rec *models.CompletionRecord
	err = s.Ledger.WithUser(ctx, userID, func(tx *LedgerTx) error {
		acct, err := tx.Account()
		if err != nil {
			return err
		}
		cur, err := tx.Completion(task.ID)
		if err != nil {
			return err
		}
		rec = cur

		switch cur.State {
		case models.StateClaimed:
			entry, found, err := s.Ledger.Guard.Lookup(tx.DB(), key)
			if err != nil {
				return err
			}
			out.Replayed = true
			out.Balance = acct.Balance
			if found {
				out.Balance = entry.BalanceAfter
			}
			out.CurrentBalance = acct.Balance
			return nil
		case models.StateVerifiedUnclaimed:
		default:
			return ErrNotYetClaimable
		}

		res, err := tx.ApplyDelta(key, task.Reward, "task")
		if err != nil {
			return err
		}
		from, gen := cur.State, cur.Generation
		next := *cur
		now := tx.now()
		next.State = models.StateClaimed
		next.ClaimedAt = &now
		if err := tx.SaveCompletion(&next, from, gen); err != nil {
			return err
		}
		rec = &next

		out.Balance = res.Balance
		out.CurrentBalance = res.Balance
		out.Replayed = res.Replayed
		if !res.Replayed {
			out.Credited = res.Delta
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrNotYetClaimable):
		snap, _ := s.taskOutcome(ctx, userID, task, rec)
		return snap, err
	case errors.Is(err, ErrConflict):
		return s.replayClaim(ctx, userID, task, key)
	case err != nil:
		return Outcome{}, err
	}

	state := taskStateOf(task, rec)
	out.Task = &state
	if out.Credited > 0 {
		out.Message = earnedMessage(out.Credited)
		s.logger.Info("[LEDGER] task claimed",
			zap.String("user_id", userID),
			zap.String("task_id", task.ID),
			zap.Int64("delta", out.Credited),
			zap.Int64("balance", out.Balance))
	}
	return out, nil
}

// replayClaim answers a claim that lost a race with the result of the winner.
func (s *RewardService) replayClaim(ctx context.Context, userID string, task models.Task, key IdempotencyKey) (Outcome, error) {
	out, err := s.taskOutcome(ctx, userID, task, nil)
	if err != nil {
		return out, err
	}
	entry, found, err := s.Ledger.Guard.Lookup(s.Ledger.DB.WithContext(ctx), key)
	if err != nil {
		return out, err
	}
	if found {
		out.Balance = entry.BalanceAfter
		out.Replayed = true
	}
	return out, nil
}

// ClaimDaily credits a cadence bonus at most once per calendar day, or once
// ever for one-time kinds.
func (s *RewardService) ClaimDaily(ctx context.Context, userID, kind string) (Outcome, error) {
	rule, ok := s.rules[kind]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownBonus, kind)
	}

	// Cheap pre-check so an ineligible claim never reaches the age source.
	pre, err := s.bonusState(ctx, userID, rule)
	if err != nil {
		return Outcome{}, err
	}
	if !pre.Eligible {
		return s.bonusOutcome(ctx, userID, pre, ErrAlreadyClaimedToday)
	}

	var ageReward int64
	if rule.UseAgeReward {
		if ageReward, err = s.AgeRewards.AgeReward(ctx, userID); err != nil {
			return Outcome{}, fmt.Errorf("%w: age reward: %v", ErrTransientVerification, err)
		}
	}

	var out Outcome
	err = s.Ledger.WithUser(ctx, userID, func(tx *LedgerTx) error {
		acct, err := tx.Account()
		if err != nil {
			return err
		}
		w, err := tx.BonusWindow(kind)
		if err != nil {
			return err
		}
		now := tx.now()
		if !s.eligible(rule, w.LastClaimedAt, now) {
			return ErrAlreadyClaimedToday
		}

		nonce := NonceOnce
		if !rule.OneTime {
			nonce = s.Window.Day(now)
		}
		res, err := tx.ApplyDelta(IdempotencyKey{UserID: userID, SourceID: kind, Nonce: nonce}, rule.Amount(acct, ageReward), "bonus")
		if err != nil {
			return err
		}
		w.LastClaimedAt = now.Unix()
		w.Claims++
		if err := tx.SaveBonusWindow(w); err != nil {
			return err
		}

		out.Balance = res.Balance
		out.CurrentBalance = res.Balance
		out.Replayed = res.Replayed
		if !res.Replayed {
			out.Credited = res.Delta
		}
		state := s.bonusStateOf(rule, w, now)
		out.Bonus = &state
		return nil
	})
	if errors.Is(err, ErrAlreadyClaimedToday) || errors.Is(err, ErrConflict) {
		st, serr := s.bonusState(ctx, userID, rule)
		if serr != nil {
			return Outcome{}, serr
		}
		if errors.Is(err, ErrConflict) {
			err = nil
		}
		return s.bonusOutcome(ctx, userID, st, err)
	}
	if err != nil {
		return Outcome{}, err
	}

	out.Message = earnedMessage(out.Credited)
	s.logger.Info("[LEDGER] bonus claimed",
		zap.String("user_id", userID),
		zap.String("source_id", kind),
		zap.Int64("delta", out.Credited),
		zap.Int64("balance", out.Balance))
	return out, nil
}

// SettleReferrals credits every referral edge not yet paid, keyed on the
// edge count so settling the same growth twice is harmless.
func (s *RewardService) SettleReferrals(ctx context.Context, userID string) (Outcome, error) {
	var out Outcome
	err := s.Ledger.WithUser(ctx, userID, func(tx *LedgerTx) error {
		edges, rewarded, err := s.Referrals.countsIn(tx.DB(), userID)
		if err != nil {
			return err
		}
		acct, err := tx.Account()
		if err != nil {
			return err
		}
		out.Balance = acct.Balance
		out.CurrentBalance = acct.Balance
		out.Referrals = &ReferralState{Edges: edges, Rewarded: rewarded}
		if edges <= rewarded {
			return nil
		}

		key := IdempotencyKey{UserID: userID, SourceID: SourceReferral, Nonce: strconv.FormatInt(edges, 10)}
		res, err := tx.ApplyDelta(key, (edges-rewarded)*s.cfg.PerReferralReward, "referral")
		if err != nil {
			return err
		}
		if err := s.Referrals.advanceRewarded(tx.DB(), userID, rewarded, edges); err != nil {
			return err
		}
		out.Balance = res.Balance
		out.CurrentBalance = res.Balance
		out.Replayed = res.Replayed
		if !res.Replayed {
			out.Credited = res.Delta
		}
		out.Referrals.Rewarded = edges
		return nil
	})
	if errors.Is(err, ErrConflict) {
		return s.referralOutcome(ctx, userID)
	}
	if err != nil {
		return Outcome{}, err
	}
	if out.Credited > 0 {
		out.Message = earnedMessage(out.Credited)
		s.logger.Info("[REFERRAL] referrals settled",
			zap.String("user_id", userID),
			zap.Int64("edges", out.Referrals.Edges),
			zap.Int64("delta", out.Credited),
			zap.Int64("balance", out.Balance))
	}
	return out, nil
}

// SweepStaleVerifications resets records that stayed pending since before
// cutoff. A result arriving afterwards for the old generation is discarded.
func (s *RewardService) SweepStaleVerifications(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.Ledger.DB.WithContext(ctx).Model(&models.CompletionRecord{}).
		Where("state = ? AND requested_at < ?", models.StatePendingVerification, cutoff).
		Updates(map[string]interface{}{"state": models.StateNotStarted, "requested_at": nil})
	if res.Error != nil {
		return 0, fmt.Errorf("sweep stale verifications: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Info("[VERIFY] stale verifications reset", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// Snapshot is everything the client needs to render its state.
type Snapshot struct {
	Account   *models.Account `json:"account"`
	Balance   int64           `json:"balance"`
	Tasks     []TaskState     `json:"tasks"`
	Bonuses   []BonusState    `json:"bonuses"`
	Referrals ReferralState   `json:"referrals"`
}

func (s *RewardService) State(ctx context.Context, userID string) (Snapshot, error) {
	acct, err := s.Ledger.GetAccount(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	tasks, err := s.ListTaskStates(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	bonuses, err := s.BonusStatus(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	refs, err := s.ReferralStatus(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Account: acct, Balance: acct.Balance, Tasks: tasks, Bonuses: bonuses, Referrals: refs}, nil
}

// ListTaskStates returns every task in registry order with the user's state.
func (s *RewardService) ListTaskStates(ctx context.Context, userID string) ([]TaskState, error) {
	tasks, err := s.Tasks.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	var recs []models.CompletionRecord
	if err := s.Ledger.DB.WithContext(ctx).Where("user_id = ?", userID).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("load completions for %s: %w", userID, err)
	}
	byTask := make(map[string]*models.CompletionRecord, len(recs))
	for i := range recs {
		byTask[recs[i].TaskID] = &recs[i]
	}
	out := make([]TaskState, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskStateOf(t, byTask[t.ID]))
	}
	return out, nil
}

func (s *RewardService) ReferralStatus(ctx context.Context, userID string) (ReferralState, error) {
	edges, rewarded, err := s.Referrals.GetCounts(ctx, userID)
	if err != nil {
		return ReferralState{}, err
	}
	return ReferralState{
		Edges:         edges,
		Rewarded:      rewarded,
		PendingReward: (edges - rewarded) * s.cfg.PerReferralReward,
	}, nil
}

func (s *RewardService) loadCompletion(ctx context.Context, userID, taskID string) (*models.CompletionRecord, error) {
	var rec models.CompletionRecord
	err := s.Ledger.DB.WithContext(ctx).
		Where("user_id = ? AND task_id = ?", userID, taskID).Limit(1).Find(&rec).Error
	if err != nil {
		return nil, fmt.Errorf("load completion %s/%s: %w", userID, taskID, err)
	}
	if !rec.Persisted() {
		rec = models.CompletionRecord{UserID: userID, TaskID: taskID, State: models.StateNotStarted}
	}
	return &rec, nil
}

// taskOutcome builds a read-only snapshot of one task. A nil rec is reloaded.
func (s *RewardService) taskOutcome(ctx context.Context, userID string, task models.Task, rec *models.CompletionRecord) (Outcome, error) {
	if rec == nil {
		var err error
		if rec, err = s.loadCompletion(ctx, userID, task.ID); err != nil {
			return Outcome{}, err
		}
	}
	balance, err := s.Ledger.GetBalance(ctx, userID)
	if err != nil {
		return Outcome{}, err
	}
	state := taskStateOf(task, rec)
	return Outcome{Balance: balance, CurrentBalance: balance, Task: &state}, nil
}

func (s *RewardService) referralOutcome(ctx context.Context, userID string) (Outcome, error) {
	refs, err := s.ReferralStatus(ctx, userID)
	if err != nil {
		return Outcome{}, err
	}
	balance, err := s.Ledger.GetBalance(ctx, userID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Balance: balance, CurrentBalance: balance, Referrals: &refs}, nil
}

func taskStateOf(task models.Task, rec *models.CompletionRecord) TaskState {
	st := TaskState{Task: task, State: models.StateNotStarted}
	if rec != nil {
		st.State = rec.State
		st.Attempts = rec.Attempts
		st.RequestedAt = rec.RequestedAt
		st.ClaimedAt = rec.ClaimedAt
	}
	return st
}

func earnedMessage(points int64) string {
	return message.NewPrinter(language.English).Sprintf("You have earned %d points.", points)
}
