package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reward-ledger/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AutoMigrate creates every table the ledger owns.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Account{},
		&models.CompletionRecord{},
		&models.ReferralEdge{},
		&models.BonusWindow{},
		&models.LedgerEntry{},
		&models.Task{},
		&models.Purchase{},
	)
}

// LedgerStore is the only writer of balances and completion state.
// Mutations for one user are serialized by a process-local lock and run in a
// single transaction; cross-user work never contends on the lock.
type LedgerStore struct {
	DB     *gorm.DB
	Guard  *IdempotencyGuard
	Clock  Clock
	locks  *userLocks
	logger *zap.Logger
}

func NewLedgerStore(db *gorm.DB, guard *IdempotencyGuard, clock Clock, logger *zap.Logger) *LedgerStore {
	if clock == nil {
		clock = SystemClock
	}
	return &LedgerStore{
		DB:     db,
		Guard:  guard,
		Clock:  clock,
		locks:  newUserLocks(),
		logger: logger,
	}
}

// Profile carries the identity attributes stored on first contact.
type Profile struct {
	Username  string
	IsPremium bool
}

// EnsureAccount creates the account on first contact (idempotent). created is
// true only for the call that inserted the row.
func (s *LedgerStore) EnsureAccount(ctx context.Context, userID string, p Profile) (*models.Account, bool, error) {
	if userID == "" {
		return nil, false, ErrUnknownUser
	}
	acct := models.Account{
		ID:              uuid.NewString(),
		UserID:          userID,
		Username:        p.Username,
		IsPremium:       p.IsPremium,
		SpeedLevel:      1,
		MultiplierLevel: 1,
	}
	res := s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&acct)
	if res.Error != nil {
		return nil, false, fmt.Errorf("create account %s: %w", userID, res.Error)
	}
	created := res.RowsAffected == 1

	if !created {
		// Refresh profile attributes; never touches balance.
		if err := s.DB.WithContext(ctx).Model(&models.Account{}).
			Where("user_id = ? AND (username <> ? OR is_premium <> ?)", userID, p.Username, p.IsPremium).
			Updates(map[string]interface{}{"username": p.Username, "is_premium": p.IsPremium}).Error; err != nil {
			return nil, false, fmt.Errorf("update profile %s: %w", userID, err)
		}
	}

	got, err := s.GetAccount(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.Info("[LEDGER] account created", zap.String("user_id", userID))
	}
	return got, created, nil
}

func (s *LedgerStore) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	return findAccount(s.DB.WithContext(ctx), userID)
}

func (s *LedgerStore) GetBalance(ctx context.Context, userID string) (int64, error) {
	acct, err := s.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// ApplyResult is the authoritative outcome of one ApplyDelta.
type ApplyResult struct {
	Balance  int64 // balance right after this key was applied
	Delta    int64
	Replayed bool // key had been applied before; nothing changed
	Entry    models.LedgerEntry
}

// ApplyDelta applies delta once per key. A repeated key is a no-op that
// returns the balance recorded by the first application.
func (s *LedgerStore) ApplyDelta(ctx context.Context, key IdempotencyKey, delta int64, reason string) (ApplyResult, error) {
	var out ApplyResult
	err := s.WithUser(ctx, key.UserID, func(tx *LedgerTx) error {
		var err error
		out, err = tx.ApplyDelta(key, delta, reason)
		return err
	})
	return out, err
}

// WithUser runs fn in one transaction while holding the user's mutation lock.
// fn must only touch the database through tx.
func (s *LedgerStore) WithUser(ctx context.Context, userID string, fn func(tx *LedgerTx) error) error {
	if userID == "" {
		return ErrUnknownUser
	}
	unlock := s.locks.lock(userID)
	defer unlock()

	return s.DB.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&LedgerTx{db: db, userID: userID, store: s})
	})
}

// History lists a user's applied entries, newest first.
func (s *LedgerStore) History(ctx context.Context, userID string, page, size int) ([]models.LedgerEntry, int64, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	var total int64
	if err := s.DB.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var entries []models.LedgerEntry
	err := s.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").Order("idempotency_key DESC").
		Limit(size).Offset((page - 1) * size).
		Find(&entries).Error
	return entries, total, err
}

// LedgerTx is the per-user transactional view handed to WithUser callbacks.
type LedgerTx struct {
	db     *gorm.DB
	userID string
	store  *LedgerStore
}

func (t *LedgerTx) DB() *gorm.DB { return t.db }

func (t *LedgerTx) now() time.Time { return t.store.Clock.Now() }

func (t *LedgerTx) Account() (*models.Account, error) {
	return findAccount(t.db, t.userID)
}

func (t *LedgerTx) ApplyDelta(key IdempotencyKey, delta int64, reason string) (ApplyResult, error) {
	if key.UserID != t.userID {
		return ApplyResult{}, fmt.Errorf("%w: key for %s applied under %s", ErrInvalidSource, key.UserID, t.userID)
	}

	resv, err := t.store.Guard.TryReserve(t.db, key, delta, reason, t.now())
	if err != nil {
		return ApplyResult{}, err
	}
	if resv.Status == AlreadyApplied {
		return ApplyResult{Balance: resv.Entry.BalanceAfter, Delta: resv.Entry.Delta, Replayed: true, Entry: resv.Entry}, nil
	}

	q := t.db.Model(&models.Account{}).Where("user_id = ?", key.UserID)
	if delta < 0 {
		q = q.Where("balance >= ?", -delta)
	}
	res := q.Update("balance", gorm.Expr("balance + ?", delta))
	if res.Error != nil {
		return ApplyResult{}, fmt.Errorf("apply %s: %w", key, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := t.Account(); err != nil {
			return ApplyResult{}, err
		}
		return ApplyResult{}, ErrInsufficientFunds
	}

	acct, err := t.Account()
	if err != nil {
		return ApplyResult{}, err
	}
	if err := t.store.Guard.Record(t.db, key, acct.Balance); err != nil {
		return ApplyResult{}, err
	}
	entry := resv.Entry
	entry.BalanceAfter = acct.Balance

	t.store.logger.Info("[LEDGER] delta applied",
		zap.String("user_id", key.UserID),
		zap.String("source_id", key.SourceID),
		zap.String("nonce", key.Nonce),
		zap.Int64("delta", delta),
		zap.Int64("balance", acct.Balance))
	return ApplyResult{Balance: acct.Balance, Delta: delta, Entry: entry}, nil
}

// Completion returns the user's record for taskID. A record that does not
// exist yet comes back NOT_STARTED and unpersisted.
func (t *LedgerTx) Completion(taskID string) (*models.CompletionRecord, error) {
	var rec models.CompletionRecord
	err := t.db.Where("user_id = ? AND task_id = ?", t.userID, taskID).Limit(1).Find(&rec).Error
	if err != nil {
		return nil, fmt.Errorf("load completion %s/%s: %w", t.userID, taskID, err)
	}
	if !rec.Persisted() {
		rec = models.CompletionRecord{UserID: t.userID, TaskID: taskID, State: models.StateNotStarted}
	}
	return &rec, nil
}

// SaveCompletion writes rec if the stored copy still has the given state and
// generation, otherwise it returns ErrConflict.
func (t *LedgerTx) SaveCompletion(rec *models.CompletionRecord, fromState models.CompletionState, fromGeneration int64) error {
	if !rec.Persisted() {
		if fromState != models.StateNotStarted {
			return ErrConflict
		}
		rec.ID = uuid.NewString()
		res := t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
		if res.Error != nil {
			return fmt.Errorf("create completion: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			rec.ID = ""
			return ErrConflict
		}
		return nil
	}

	res := t.db.Model(&models.CompletionRecord{}).
		Where("id = ? AND state = ? AND generation = ?", rec.ID, fromState, fromGeneration).
		Updates(map[string]interface{}{
			"state":        rec.State,
			"generation":   rec.Generation,
			"attempts":     rec.Attempts,
			"requested_at": rec.RequestedAt,
			"verified_at":  rec.VerifiedAt,
			"claimed_at":   rec.ClaimedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("update completion: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// BonusWindow returns the window row for kind, unpersisted when never claimed.
func (t *LedgerTx) BonusWindow(kind string) (*models.BonusWindow, error) {
	var w models.BonusWindow
	err := t.db.Where("user_id = ? AND kind = ?", t.userID, kind).Limit(1).Find(&w).Error
	if err != nil {
		return nil, fmt.Errorf("load bonus window %s/%s: %w", t.userID, kind, err)
	}
	if w.ID == "" {
		w = models.BonusWindow{UserID: t.userID, Kind: kind}
	}
	return &w, nil
}

func (t *LedgerTx) SaveBonusWindow(w *models.BonusWindow) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
		return t.db.Create(w).Error
	}
	return t.db.Model(&models.BonusWindow{}).Where("id = ?", w.ID).
		Updates(map[string]interface{}{"last_claimed_at": w.LastClaimedAt, "claims": w.Claims}).Error
}

func findAccount(db *gorm.DB, userID string) (*models.Account, error) {
	var acct models.Account
	if err := db.Where("user_id = ?", userID).First(&acct).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownUser
		}
		return nil, fmt.Errorf("load account %s: %w", userID, err)
	}
	return &acct, nil
}
