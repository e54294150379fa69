package services

import (
	"fmt"
	"strings"
	"time"

	"reward-ledger/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Reward source ids that are not task ids.
const (
	SourceReferral = "referral"
	NonceOnce      = "once"
)

// IdempotencyKey scopes "apply at most once".
type IdempotencyKey struct {
	UserID   string
	SourceID string
	Nonce    string
}

func (k IdempotencyKey) String() string {
	return k.UserID + "|" + k.SourceID + "|" + k.Nonce
}

func (k IdempotencyKey) validate() error {
	if k.UserID == "" || k.SourceID == "" {
		return fmt.Errorf("%w: empty user or source", ErrInvalidSource)
	}
	for _, part := range []string{k.UserID, k.SourceID, k.Nonce} {
		if strings.Contains(part, "|") {
			return fmt.Errorf("%w: %q", ErrInvalidSource, part)
		}
	}
	return nil
}

type ReservationStatus int

const (
	Reserved ReservationStatus = iota
	AlreadyApplied
)

func (s ReservationStatus) String() string {
	if s == AlreadyApplied {
		return "already_applied"
	}
	return "reserved"
}

// Reservation is the outcome of TryReserve. For AlreadyApplied, Entry is the
// previously recorded application.
type Reservation struct {
	Status ReservationStatus
	Entry  models.LedgerEntry
}

// IdempotencyGuard reserves keys in ledger_entries. The primary key makes the
// check-then-set atomic: of two concurrent inserts exactly one affects a row.
type IdempotencyGuard struct {
	logger *zap.Logger
}

func NewIdempotencyGuard(logger *zap.Logger) *IdempotencyGuard {
	return &IdempotencyGuard{logger: logger}
}

// TryReserve must run inside the transaction that applies the delta, so a
// failed application releases the key on rollback.
func (g *IdempotencyGuard) TryReserve(tx *gorm.DB, key IdempotencyKey, delta int64, reason string, at time.Time) (Reservation, error) {
	if err := key.validate(); err != nil {
		return Reservation{}, err
	}

	entry := models.LedgerEntry{
		IdempotencyKey: key.String(),
		UserID:         key.UserID,
		SourceID:       key.SourceID,
		Nonce:          key.Nonce,
		Delta:          delta,
		Reason:         reason,
		CreatedAt:      at,
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
	if res.Error != nil {
		return Reservation{}, fmt.Errorf("reserve %s: %w", key, res.Error)
	}
	if res.RowsAffected == 1 {
		return Reservation{Status: Reserved, Entry: entry}, nil
	}

	prior, found, err := g.Lookup(tx, key)
	if err != nil {
		return Reservation{}, err
	}
	if !found {
		// The conflicting row vanished, which only a rolled-back writer can cause.
		return Reservation{}, fmt.Errorf("reserve %s: %w", key, ErrConflict)
	}
	g.logger.Info("[LEDGER] duplicate application suppressed",
		zap.String("key", key.String()),
		zap.Int64("balance", prior.BalanceAfter))
	return Reservation{Status: AlreadyApplied, Entry: prior}, nil
}

// Record stores the balance produced by a reserved key.
func (g *IdempotencyGuard) Record(tx *gorm.DB, key IdempotencyKey, balanceAfter int64) error {
	res := tx.Model(&models.LedgerEntry{}).
		Where("idempotency_key = ?", key.String()).
		Update("balance_after", balanceAfter)
	if res.Error != nil {
		return fmt.Errorf("record %s: %w", key, res.Error)
	}
	return nil
}

// Lookup returns the applied entry for key, if any.
func (g *IdempotencyGuard) Lookup(db *gorm.DB, key IdempotencyKey) (models.LedgerEntry, bool, error) {
	var entry models.LedgerEntry
	err := db.Where("idempotency_key = ?", key.String()).Limit(1).Find(&entry).Error
	if err != nil {
		return entry, false, fmt.Errorf("lookup %s: %w", key, err)
	}
	return entry, entry.IdempotencyKey != "", nil
}
