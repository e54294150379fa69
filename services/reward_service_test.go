package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"reward-ledger/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinChannelVerifyAndClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t, "u1")
	h.checker.set("u1", "@gotEMXTon", true)

	out, err := h.rewards.RequestVerification(ctx, "u1", "join-channel")
	require.NoError(t, err)
	assert.Equal(t, models.StatePendingVerification, out.Task.State)
	assert.Equal(t, 0, h.checker.calls, "membership is not checked before the settle delay")

	h.clock.Advance(6 * time.Second)
	out, err = h.rewards.CheckVerification(ctx, "u1", "join-channel")
	require.NoError(t, err)
	assert.Equal(t, models.StateVerifiedUnclaimed, out.Task.State)
	assert.Equal(t, "verified", out.Verification)
	assert.Equal(t, int64(0), out.Balance)

	first, err := h.rewards.Claim(ctx, "u1", "join-channel")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), first.Balance)
	assert.Equal(t, int64(3000), first.Credited)
	assert.False(t, first.Replayed)
	assert.Equal(t, models.StateClaimed, first.Task.State)
	assert.Equal(t, "You have earned 3,000 points.", first.Message)

	second, err := h.rewards.Claim(ctx, "u1", "join-channel")
	require.NoError(t, err)
	assert.Equal(t, first.Balance, second.Balance)
	assert.Equal(t, int64(0), second.Credited)
	assert.True(t, second.Replayed)
	assert.Equal(t, int64(3000), h.balance(t, "u1"))
}

func TestClaimReplayReportsRecordedAndCurrentBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t, "u1")

	_, err := h.rewards.RequestVerification(ctx, "u1", "gift")
	require.NoError(t, err)
	_, err = h.rewards.Claim(ctx, "u1", "gift")
	require.NoError(t, err)

	_, err = h.ledger.ApplyDelta(ctx, IdempotencyKey{UserID: "u1", SourceID: "promo"}, 100, "")
	require.NoError(t, err)

	again, err := h.rewards.Claim(ctx, "u1", "gift")
	require.NoError(t, err)
	assert.Equal(t, int64(500), again.Balance)
	assert.Equal(t, int64(600), again.CurrentBalance)
}

func TestConcurrentClaimsCreditOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t, "u1")

	_, err := h.rewards.RequestVerification(ctx, "u1", "gift")
	require.NoError(t, err)

	var wg sync.WaitGroup
	outs := make([]Outcome, 16)
	errs := make([]error, 16)
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i], errs[i] = h.rewards.Claim(ctx, "u1", "gift")
		}(i)
	}
	wg.Wait()

	credited := 0
	for i := range outs {
		require.NoError(t, errs[i])
		assert.Equal(t, int64(500), outs[i].Balance)
		if outs[i].Credited > 0 {
			credited++
		}
	}
	assert.Equal(t, 1, credited)
	assert.Equal(t, int64(500), h.balance(t, "u1"))
	assert.Len(t, h.entries(t, "u1", "gift"), 1)
}

func TestClaimRequiresVerifiedTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t, "u1")

	out, err := h.rewards.Claim(ctx, "u1", "join-channel")
	assert.ErrorIs(t, err, ErrNotYetClaimable)
	require.NotNil(t, out.Task)
	assert.Equal(t, models.StateNotStarted, out.Task.State)

	_, err = h.rewards.RequestVerification(ctx, "u1", "join-channel")
	require.NoError(t, err)
	out, err = h.rewards.Claim(ctx, "u1", "join-channel")
	assert.ErrorIs(t, err, ErrNotYetClaimable)
	assert.Equal(t, models.StatePendingVerification, out.Task.State)
	assert.Equal(t, int64(0), h.balance(t, "u1"))
}

func TestRequestVerificationRejectsVerifiedAndClaimed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t, "u1")

	out, err := h.rewards.RequestVerification(ctx, "u1", "gift")
	require.NoError(t, err)
	require.Equal(t, models.StateVerifiedUnclaimed, out.Task.State)

	out, err = h.rewards.RequestVerification(ctx, "u1", "gift")
	assert.ErrorIs(t, err, ErrNotYetClaimable)
	assert.Equal(t, models.StateVerifiedUnclaimed, out.Task.State)

	_, err = h.rewards.Claim(ctx, "u1", "gift")
	require.NoError(t, err)

	out, err = h.rewards.RequestVerification(ctx, "u1", "gift")
	assert.ErrorIs(t, err, ErrNotYetClaimable)
	assert.Equal(t, models.StateClaimed, out.Task.State)
}

func TestRequestVerificationWhilePendingPolls(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t, "u1")
	h.checker.set("u1", "@gotEMXTon", true)

	_, err := h.rewards.RequestVerification(ctx, "u1", "join-channel")
	require.NoError(t, err)
	h.clock.Advance(7 * time.Second)

	out, err := h.rewards.RequestVerification(ctx, "u1", "join-channel")
	require.NoError(t, err)
	assert.Equal(t, models.StateVerifiedUnclaimed, out.Task.State)

	rec, err := h.rewards.loadCompletion(ctx, "u1", "join-channel")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Generation, "a poll does not start a new run")
}

func TestFailedVerificationResets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t, "u1")

	_, err := h.rewards.RequestVerification(ctx, "u1", "join-channel")
	require.NoError(t, err)
	h.clock.Advance(6 * time.Second)

	out, err := h.rewards.CheckVerification(ctx, "u1", "join-channel")
	require.NoError(t, err)
	assert.Equal(t, "failed", out.Verification)
	assert.Equal(t, models.StateNotStarted, out.Task.State)

	// The user joins and tries again from scratch.
	h.checker.set("u1", "@gotEMXTon", true)
	out, err = h.rewards.RequestVerification(ctx, "u1", "join-channel")
	require.NoError(t, err)
	assert.Equal(t, models.StatePendingVerification, out.Task.State)

	h.clock.Advance(6 * time.Second)
	out, err = h.rewards.CheckVerification(ctx, "u1", "join-channel")
	require.NoError(t, err)
	assert.Equal(t, models.StateVerifiedUnclaimed, out.Task.State)

	rec, err := h.rewards.loadCompletion(ctx, "u1", "join-channel")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Generation)
}

func TestTransientFailuresTimeOut(t *testing.T) {
	h := newHarness(t, withMaxAttempts(3))
	ctx := context.Background()
	h.user(t, "u1")
	h.checker.fail(errCheckerDown)

	_, err := h.rewards.RequestVerification(ctx, "u1", "join-channel")
	require.NoError(t, err)
	h.clock.Advance(6 * time.Second)

	for attempt := 1; attempt <= 2; attempt++ {
		out, err := h.rewards.CheckVerification(ctx, "u1", "join-channel")
		assert.ErrorIs(t, err, ErrTransientVerification)
		require.NotNil(t, out.Task)
		assert.Equal(t, models.StatePendingVerification, out.Task.State)
		assert.Equal(t, attempt, out.Task.Attempts)
	}

	out, err := h.rewards.CheckVerification(ctx, "u1", "join-channel")
	assert.ErrorIs(t, err, ErrVerificationTimeout)
	assert.Equal(t, models.StateNotStarted, out.Task.State)

	out, err = h.rewards.CheckVerification(ctx, "u1", "join-channel")
	require.NoError(t, err)
	assert.Equal(t, models.StateNotStarted, out.Task.State)
	assert.Equal(t, 3, h.checker.calls)
	assert.Equal(t, int64(0), h.balance(t, "u1"))
}

func TestExternalLinkDelay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t, "u1")

	out, err := h.rewards.RequestVerification(ctx, "u1", "visit-site")
	require.NoError(t, err)
	assert.Equal(t, models.StatePendingVerification, out.Task.State)

	h.clock.Advance(4 * time.Second)
	out, err = h.rewards.CheckVerification(ctx, "u1", "visit-site")
	require.NoError(t, err)
	assert.Equal(t, models.StatePendingVerification, out.Task.State)
	assert.Equal(t, 0, out.Task.Attempts, "polls inside the settle window are free")

	h.clock.Advance(time.Second)
	out, err = h.rewards.CheckVerification(ctx, "u1", "visit-site")
	require.NoError(t, err)
	assert.Equal(t, models.StateVerifiedUnclaimed, out.Task.State)
}

func TestReferralThresholdTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t, "a")
	for _, invitee := range []string{"b", "c"} {
		_, err := h.referrals.RecordReferral(ctx, "a", invitee)
		require.NoError(t, err)
	}

	out, err := h.rewards.RequestVerification(ctx, "a", "invite-3")
	require.NoError(t, err)
	assert.Equal(t, "failed", out.Verification)
	assert.Equal(t, models.StateNotStarted, out.Task.State)

	_, err = h.referrals.RecordReferral(ctx, "a", "d")
	require.NoError(t, err)
	out, err = h.rewards.RequestVerification(ctx, "a", "invite-3")
	require.NoError(t, err)
	assert.Equal(t, models.StateVerifiedUnclaimed, out.Task.State)

	claim, err := h.rewards.Claim(ctx, "a", "invite-3")
	require.NoError(t, err)
	assert.Equal(t, int64(9000), claim.Balance)
}

func TestUnknownTaskAndUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t, "u1")

	_, err := h.rewards.Claim(ctx, "u1", "missing")
	assert.ErrorIs(t, err, ErrUnknownTask)
	_, err = h.rewards.RequestVerification(ctx, "u1", "missing")
	assert.ErrorIs(t, err, ErrUnknownTask)

	_, err = h.rewards.RequestVerification(ctx, "ghost", "gift")
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestSweepResetsStalePending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t, "u1")
	h.checker.set("u1", "@gotEMXTon", true)

	_, err := h.rewards.RequestVerification(ctx, "u1", "join-channel")
	require.NoError(t, err)

	n, err := h.rewards.SweepStaleVerifications(ctx, h.clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "fresh requests are left alone")

	n, err = h.rewards.SweepStaleVerifications(ctx, h.clock.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	h.clock.Advance(time.Minute)
	out, err := h.rewards.CheckVerification(ctx, "u1", "join-channel")
	require.NoError(t, err)
	assert.Equal(t, models.StateNotStarted, out.Task.State)
	assert.Equal(t, 0, h.checker.calls)
}

func TestLateResultForOldRunIsDiscarded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t, "u1")
	h.checker.set("u1", "@gotEMXTon", true)
	task, err := h.registry.GetTask(ctx, "join-channel")
	require.NoError(t, err)

	_, err = h.rewards.RequestVerification(ctx, "u1", "join-channel")
	require.NoError(t, err)
	oldRun, err := h.rewards.loadCompletion(ctx, "u1", "join-channel")
	require.NoError(t, err)

	_, err = h.rewards.SweepStaleVerifications(ctx, h.clock.Now().Add(time.Second))
	require.NoError(t, err)
	h.clock.Advance(6 * time.Second)
	_, err = h.rewards.RequestVerification(ctx, "u1", "join-channel")
	require.NoError(t, err)

	// The first run's adapter answers only now.
	out, err := h.rewards.attempt(ctx, "u1", task, oldRun)
	require.NoError(t, err)
	assert.Equal(t, models.StatePendingVerification, out.Task.State)

	rec, err := h.rewards.loadCompletion(ctx, "u1", "join-channel")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Generation)
	assert.Equal(t, models.StatePendingVerification, rec.State)
}

func TestEnsureUserRecordsReferralOnFirstContactOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.rewards.EnsureUser(ctx, Identity{UserID: "a"})
	require.NoError(t, err)

	s, err := h.rewards.EnsureUser(ctx, Identity{UserID: "b", StartParam: "a"})
	require.NoError(t, err)
	assert.True(t, s.Created)
	assert.True(t, s.ReferralCounted)

	s, err = h.rewards.EnsureUser(ctx, Identity{UserID: "b", StartParam: "c"})
	require.NoError(t, err)
	assert.False(t, s.Created)
	assert.False(t, s.ReferralCounted)

	s, err = h.rewards.EnsureUser(ctx, Identity{UserID: "self", StartParam: "self"})
	require.NoError(t, err)
	assert.False(t, s.ReferralCounted)

	edges, _, err := h.referrals.GetCounts(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), edges)
	edges, err = h.referrals.countEdges(h.db, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(0), edges)
}

func TestStateSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t, "u1")

	_, err := h.rewards.RequestVerification(ctx, "u1", "gift")
	require.NoError(t, err)

	snap, err := h.rewards.State(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, snap.Tasks, len(testTasks))
	for i, ts := range snap.Tasks {
		assert.Equal(t, testTasks[i].ID, ts.ID)
	}
	assert.Equal(t, models.StateVerifiedUnclaimed, snap.Tasks[3].State)
	assert.Equal(t, models.StateNotStarted, snap.Tasks[0].State)
	assert.Len(t, snap.Bonuses, 3)
	assert.Equal(t, int64(0), snap.Balance)
}

func TestTaskWithoutVerifierIsNeverCredited(t *testing.T) {
	h := newHarness(t, withMaxAttempts(2))
	ctx := context.Background()
	h.user(t, "u1")
	delete(h.rewards.Verifiers, models.KindManualNone)

	out, err := h.rewards.RequestVerification(ctx, "u1", "gift")
	assert.ErrorIs(t, err, ErrTransientVerification)
	assert.Equal(t, models.StatePendingVerification, out.Task.State)

	out, err = h.rewards.CheckVerification(ctx, "u1", "gift")
	assert.ErrorIs(t, err, ErrVerificationTimeout)
	assert.Equal(t, models.StateNotStarted, out.Task.State)

	_, err = h.rewards.Claim(ctx, "u1", "gift")
	assert.ErrorIs(t, err, ErrNotYetClaimable)
	assert.Equal(t, int64(0), h.balance(t, "u1"))
}
