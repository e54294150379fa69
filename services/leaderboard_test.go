package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaderboardRanking(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for id, balance := range map[string]int64{"a": 900, "b": 900, "c": 500, "d": 100} {
		h.user(t, id)
		if balance > 0 {
			_, err := h.ledger.ApplyDelta(ctx, IdempotencyKey{UserID: id, SourceID: "seed"}, balance, "seed")
			require.NoError(t, err)
		}
	}
	lb := NewLeaderboardService(h.db)

	r, err := lb.Ranking(ctx, "c", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), r.Me.Position)
	assert.Equal(t, int64(500), r.Me.Balance)
	assert.Equal(t, int64(4), r.TotalUsers)
	require.Len(t, r.Top, 4)
	assert.Equal(t, int64(1), r.Top[0].Position)
	assert.Equal(t, int64(1), r.Top[1].Position, "equal balances share a position")
	assert.Equal(t, int64(3), r.Top[2].Position)
	assert.Equal(t, "c", r.Top[2].UserID)
	assert.Equal(t, int64(4), r.Top[3].Position)

	r, err = lb.Ranking(ctx, "b", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.Me.Position)
	assert.Len(t, r.Top, 2)

	_, err = lb.Ranking(ctx, "ghost", 10)
	assert.ErrorIs(t, err, ErrUnknownUser)
}
