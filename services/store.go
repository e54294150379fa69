package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"reward-ledger/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm/clause"
)

const storeSourcePrefix = "store:"

// UpgradeKind is the account attribute an upgrade raises.
type UpgradeKind string

const (
	UpgradeSpeed      UpgradeKind = "speed"
	UpgradeMultiplier UpgradeKind = "multiplier"
)

// Upgrade is a store item. Buying it raises the account's level of Kind to
// at least Level.
type Upgrade struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Kind      UpgradeKind `json:"kind"`
	Level     int         `json:"level"`
	PriceNano int64       `json:"price_nano"` // 1 TON = 1e9 nano
}

var DefaultUpgrades = []Upgrade{
	{ID: "speed1", Title: "Speed x2", Kind: UpgradeSpeed, Level: 2, PriceNano: 100_000_000},
	{ID: "speed2", Title: "Speed x4", Kind: UpgradeSpeed, Level: 4, PriceNano: 200_000_000},
	{ID: "multiplier1", Title: "Multiplier x2", Kind: UpgradeMultiplier, Level: 2, PriceNano: 150_000_000},
	{ID: "multiplier2", Title: "Multiplier x4", Kind: UpgradeMultiplier, Level: 4, PriceNano: 300_000_000},
}

// StoreService applies confirmed payments. A purchase behaves like a task
// verified by the payment system: its completion record "store:<id>" is
// claimed and the key (user, store:<id>, payment ref) is applied once.
type StoreService struct {
	Ledger   *LedgerStore
	upgrades []Upgrade
	byID     map[string]Upgrade
	logger   *zap.Logger
}

func NewStoreService(ledger *LedgerStore, upgrades []Upgrade, logger *zap.Logger) *StoreService {
	byID := make(map[string]Upgrade, len(upgrades))
	for _, u := range upgrades {
		byID[u.ID] = u
	}
	return &StoreService{Ledger: ledger, upgrades: upgrades, byID: byID, logger: logger}
}

// UpgradeState is an upgrade as seen by one user.
type UpgradeState struct {
	Upgrade
	Owned bool `json:"owned"`
}

func (s *StoreService) Catalog(ctx context.Context, userID string) ([]UpgradeState, error) {
	acct, err := s.Ledger.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]UpgradeState, 0, len(s.upgrades))
	for _, u := range s.upgrades {
		out = append(out, UpgradeState{Upgrade: u, Owned: levelOf(acct, u.Kind) >= u.Level})
	}
	return out, nil
}

// PurchaseConfirmation is the payment system's "paid" event.
type PurchaseConfirmation struct {
	UserID     string `json:"user_id"`
	UpgradeID  string `json:"upgrade_id"`
	PaymentRef string `json:"payment_ref"`
	AmountNano string `json:"amount_nano"`
}

type PurchaseOutcome struct {
	Account  *models.Account `json:"account"`
	Upgrade  Upgrade         `json:"upgrade"`
	Replayed bool            `json:"replayed"`
}

// ConfirmPurchase applies a payment at most once per payment reference.
func (s *StoreService) ConfirmPurchase(ctx context.Context, p PurchaseConfirmation) (PurchaseOutcome, error) {
	up, ok := s.byID[p.UpgradeID]
	if !ok {
		return PurchaseOutcome{}, fmt.Errorf("%w: %s", ErrUnknownUpgrade, p.UpgradeID)
	}
	ref := strings.TrimSpace(p.PaymentRef)
	if ref == "" {
		return PurchaseOutcome{}, fmt.Errorf("%w: empty payment reference", ErrInvalidSource)
	}
	sourceID := storeSourcePrefix + up.ID

	out := PurchaseOutcome{Upgrade: up}
	err := s.Ledger.WithUser(ctx, p.UserID, func(tx *LedgerTx) error {
		var prior models.Purchase
		if err := tx.DB().Where("payment_ref = ?", ref).Limit(1).Find(&prior).Error; err != nil {
			return err
		}
		if prior.ID != "" && (prior.UserID != p.UserID || prior.UpgradeID != up.ID) {
			return fmt.Errorf("%w: payment %s already used for %s/%s", ErrInvalidSource, ref, prior.UserID, prior.UpgradeID)
		}

		res, err := tx.ApplyDelta(IdempotencyKey{UserID: p.UserID, SourceID: sourceID, Nonce: ref}, 0, "purchase")
		if err != nil {
			return err
		}
		out.Replayed = res.Replayed
		if !res.Replayed {
			column := "speed_level"
			if up.Kind == UpgradeMultiplier {
				column = "multiplier_level"
			}
			if err := tx.DB().Model(&models.Account{}).
				Where("user_id = ? AND "+column+" < ?", p.UserID, up.Level).
				Update(column, up.Level).Error; err != nil {
				return fmt.Errorf("raise %s: %w", column, err)
			}

			now := tx.now()
			receipt := models.Purchase{
				ID:          uuid.NewString(),
				UserID:      p.UserID,
				UpgradeID:   up.ID,
				PaymentRef:  ref,
				AmountNano:  p.AmountNano,
				ConfirmedAt: now,
			}
			if err := tx.DB().Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "payment_ref"}}, DoNothing: true}).
				Create(&receipt).Error; err != nil {
				return fmt.Errorf("store receipt: %w", err)
			}

			rec, err := tx.Completion(sourceID)
			if err != nil {
				return err
			}
			if rec.State != models.StateClaimed {
				from, gen := rec.State, rec.Generation
				rec.State = models.StateClaimed
				rec.VerifiedAt = &now
				rec.ClaimedAt = &now
				if err := tx.SaveCompletion(rec, from, gen); err != nil {
					return err
				}
			}
		}

		acct, err := tx.Account()
		if err != nil {
			return err
		}
		out.Account = acct
		return nil
	})
	if errors.Is(err, ErrConflict) {
		acct, aerr := s.Ledger.GetAccount(ctx, p.UserID)
		if aerr != nil {
			return PurchaseOutcome{}, aerr
		}
		return PurchaseOutcome{Account: acct, Upgrade: up, Replayed: true}, nil
	}
	if err != nil {
		return PurchaseOutcome{}, err
	}
	if !out.Replayed {
		s.logger.Info("[PAYMENTS] purchase applied",
			zap.String("user_id", p.UserID),
			zap.String("upgrade_id", up.ID),
			zap.String("payment_ref", ref))
	}
	return out, nil
}

func levelOf(acct *models.Account, kind UpgradeKind) int {
	if kind == UpgradeMultiplier {
		return acct.MultiplierLevel
	}
	return acct.SpeedLevel
}
