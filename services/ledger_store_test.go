package services

import (
	"context"
	"sync"
	"testing"

	"reward-ledger/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureAccountCreatesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	acct, created, err := h.ledger.EnsureAccount(ctx, "u1", Profile{Username: "alice", IsPremium: true})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(0), acct.Balance)
	assert.True(t, acct.IsPremium)
	assert.Equal(t, 1, acct.MultiplierLevel)

	acct, created, err = h.ledger.EnsureAccount(ctx, "u1", Profile{Username: "alice2"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "alice2", acct.Username)
	assert.False(t, acct.IsPremium)

	_, _, err = h.ledger.EnsureAccount(ctx, "", Profile{})
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestApplyDeltaIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t, "u1")
	key := IdempotencyKey{UserID: "u1", SourceID: "promo", Nonce: "n1"}

	first, err := h.ledger.ApplyDelta(ctx, key, 250, "test")
	require.NoError(t, err)
	assert.Equal(t, int64(250), first.Balance)
	assert.False(t, first.Replayed)

	other, err := h.ledger.ApplyDelta(ctx, IdempotencyKey{UserID: "u1", SourceID: "promo", Nonce: "n2"}, 100, "test")
	require.NoError(t, err)
	assert.Equal(t, int64(350), other.Balance)

	again, err := h.ledger.ApplyDelta(ctx, key, 250, "test")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, int64(250), again.Balance, "replay returns the balance recorded by the first application")
	assert.Equal(t, int64(350), h.balance(t, "u1"))
}

func TestApplyDeltaConcurrentDuplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t, "u1")
	key := IdempotencyKey{UserID: "u1", SourceID: "promo"}

	var wg sync.WaitGroup
	results := make([]ApplyResult, 20)
	errs := make([]error, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.ledger.ApplyDelta(ctx, key, 1000, "test")
		}(i)
	}
	wg.Wait()

	applied := 0
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, int64(1000), results[i].Balance)
		if !results[i].Replayed {
			applied++
		}
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, int64(1000), h.balance(t, "u1"))
	assert.Len(t, h.entries(t, "u1", "promo"), 1)
	assert.Equal(t, 0, h.ledger.locks.size())
}

func TestApplyDeltaNeverGoesNegative(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t, "u1")

	_, err := h.ledger.ApplyDelta(ctx, IdempotencyKey{UserID: "u1", SourceID: "credit"}, 100, "")
	require.NoError(t, err)

	spend := IdempotencyKey{UserID: "u1", SourceID: "spend", Nonce: "1"}
	_, err = h.ledger.ApplyDelta(ctx, spend, -150, "")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, int64(100), h.balance(t, "u1"))

	// The failed spend released its key.
	_, found, err := h.ledger.Guard.Lookup(h.db, spend)
	require.NoError(t, err)
	assert.False(t, found)

	res, err := h.ledger.ApplyDelta(ctx, spend, -60, "")
	require.NoError(t, err)
	assert.Equal(t, int64(40), res.Balance)
}

func TestApplyDeltaRejectsBadKeys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ledger.ApplyDelta(ctx, IdempotencyKey{UserID: "ghost", SourceID: "x"}, 1, "")
	assert.ErrorIs(t, err, ErrUnknownUser)

	h.user(t, "u1")
	_, err = h.ledger.ApplyDelta(ctx, IdempotencyKey{UserID: "u1", SourceID: "a|b"}, 1, "")
	assert.ErrorIs(t, err, ErrInvalidSource)
	_, err = h.ledger.ApplyDelta(ctx, IdempotencyKey{UserID: "u1"}, 1, "")
	assert.ErrorIs(t, err, ErrInvalidSource)
}

func TestHistoryNewestFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t, "u1")

	for i, src := range []string{"a", "b", "c"} {
		h.clock.Advance(1e9)
		_, err := h.ledger.ApplyDelta(ctx, IdempotencyKey{UserID: "u1", SourceID: src}, int64(i+1), "")
		require.NoError(t, err)
	}

	entries, total, err := h.ledger.History(ctx, "u1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0].SourceID)
	assert.Equal(t, int64(6), entries[0].BalanceAfter)
	assert.Equal(t, "b", entries[1].SourceID)

	entries, _, err = h.ledger.History(ctx, "u1", 2, 2)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].SourceID)
}

func TestSaveCompletionCompareAndSet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t, "u1")

	err := h.ledger.WithUser(ctx, "u1", func(tx *LedgerTx) error {
		rec, err := tx.Completion("gift")
		require.NoError(t, err)
		assert.False(t, rec.Persisted())

		rec.State = models.StatePendingVerification
		rec.Generation = 1
		require.NoError(t, tx.SaveCompletion(rec, models.StateNotStarted, 0))

		// Stale writer still believes the record is NOT_STARTED.
		stale := *rec
		stale.State = models.StateVerifiedUnclaimed
		assert.ErrorIs(t, tx.SaveCompletion(&stale, models.StateNotStarted, 0), ErrConflict)

		rec.State = models.StateVerifiedUnclaimed
		return tx.SaveCompletion(rec, models.StatePendingVerification, 1)
	})
	require.NoError(t, err)

	var stored models.CompletionRecord
	require.NoError(t, h.db.Where("user_id = ? AND task_id = ?", "u1", "gift").First(&stored).Error)
	assert.Equal(t, models.StateVerifiedUnclaimed, stored.State)
}

func TestUserLocksReleaseEntries(t *testing.T) {
	l := newUserLocks()
	unlockA := l.lock("a")
	unlockB := l.lock("b")
	assert.Equal(t, 2, l.size())

	done := make(chan struct{})
	go func() {
		unlock := l.lock("a")
		unlock()
		close(done)
	}()
	unlockA()
	<-done
	unlockB()
	assert.Equal(t, 0, l.size())
}
