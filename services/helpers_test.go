package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"reward-ledger/models"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// newTestDB opens a private in-memory database with the ledger schema.
// One connection keeps every statement on the same database.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, AutoMigrate(db))
	return db
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// fakeChecker answers membership questions from a map.
type fakeChecker struct {
	mu     sync.Mutex
	member map[string]bool
	err    error
	calls  int
}

func newFakeChecker() *fakeChecker {
	return &fakeChecker{member: map[string]bool{}}
}

func (f *fakeChecker) IsMember(_ context.Context, userID, chatID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.member[userID+"@"+chatID], nil
}

func (f *fakeChecker) set(userID, chatID string, member bool) {
	f.mu.Lock()
	f.member[userID+"@"+chatID] = member
	f.mu.Unlock()
}

func (f *fakeChecker) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

var errCheckerDown = errors.New("connection refused")

var testTasks = []models.Task{
	{ID: "join-channel", Title: "Join channel", Reward: 3000, Kind: models.KindThirdPartyCheck, Link: "https://t.me/gotEMXTon"},
	{ID: "visit-site", Title: "Visit site", Reward: 1000, Kind: models.KindExternalLinkDelay, Link: "https://example.com"},
	{ID: "invite-3", Title: "Invite 3 friends", Reward: 9000, Kind: models.KindReferralThreshold, Threshold: 3},
	{ID: "gift", Title: "Gift", Reward: 500, Kind: models.KindManualNone},
}

type harness struct {
	db        *gorm.DB
	clock     *fakeClock
	ledger    *LedgerStore
	registry  *TaskRegistry
	referrals *ReferralCounter
	checker   *fakeChecker
	rewards   *RewardService
	store     *StoreService
}

type harnessOption func(*RewardConfig, *harnessDeps)

type harnessDeps struct {
	ages AgeRewardSource
}

func withMaxAttempts(n int) harnessOption {
	return func(c *RewardConfig, _ *harnessDeps) { c.MaxAttempts = n }
}

func withAgeReward(src AgeRewardSource) harnessOption {
	return func(_ *RewardConfig, d *harnessDeps) { d.ages = src }
}

var testStart = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	db := newTestDB(t)
	clock := newFakeClock(testStart)
	logger := zap.NewNop()

	ledger := NewLedgerStore(db, NewIdempotencyGuard(logger), clock, logger)
	registry := NewTaskRegistry(db, testTasks, clock, logger)
	referrals := NewReferralCounter(db, logger)
	checker := newFakeChecker()

	cfg := RewardConfig{
		MaxAttempts:       5,
		PerReferralReward: 3000,
		Bonuses:           DefaultBonusRules(1500, 120, 2500),
	}
	deps := harnessDeps{}
	for _, o := range opts {
		o(&cfg, &deps)
	}

	verifiers := Verifiers{
		models.KindExternalLinkDelay: ExternalLinkDelay{Delay: 5 * time.Second},
		models.KindThirdPartyCheck:   ThirdPartyCheck{Checker: checker, Delay: 6 * time.Second},
		models.KindManualNone:        ManualNone{},
		models.KindReferralThreshold: ReferralThreshold{Counter: referrals},
	}
	rewards := NewRewardService(ledger, registry, referrals, verifiers, NewDailyWindow(time.UTC), deps.ages, cfg, logger)

	return &harness{
		db:        db,
		clock:     clock,
		ledger:    ledger,
		registry:  registry,
		referrals: referrals,
		checker:   checker,
		rewards:   rewards,
		store:     NewStoreService(ledger, DefaultUpgrades, logger),
	}
}

func (h *harness) user(t *testing.T, id string) *models.Account {
	t.Helper()
	acct, _, err := h.ledger.EnsureAccount(context.Background(), id, Profile{Username: id})
	require.NoError(t, err)
	return acct
}

func (h *harness) balance(t *testing.T, id string) int64 {
	t.Helper()
	b, err := h.ledger.GetBalance(context.Background(), id)
	require.NoError(t, err)
	return b
}

func (h *harness) entries(t *testing.T, userID, sourceID string) []models.LedgerEntry {
	t.Helper()
	var out []models.LedgerEntry
	require.NoError(t, h.db.Where("user_id = ? AND source_id = ?", userID, sourceID).Find(&out).Error)
	return out
}
