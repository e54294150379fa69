package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"reward-ledger/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ObjectUploader stores one object under key.
type ObjectUploader interface {
	PutObject(ctx context.Context, key string, body []byte, contentType string) error
}

// LedgerArchiver copies a day of ledger entries to object storage as JSON
// lines, one entry per line in application order.
type LedgerArchiver struct {
	DB       *gorm.DB
	Uploader ObjectUploader
	Window   *DailyWindow
	Clock    Clock
	Prefix   string
	logger   *zap.Logger
}

func NewLedgerArchiver(db *gorm.DB, uploader ObjectUploader, window *DailyWindow, clock Clock, logger *zap.Logger) *LedgerArchiver {
	if clock == nil {
		clock = SystemClock
	}
	return &LedgerArchiver{DB: db, Uploader: uploader, Window: window, Clock: clock, Prefix: "ledger/", logger: logger}
}

// ArchiveDay uploads the entries created on the calendar day containing day.
// Empty days are skipped.
func (a *LedgerArchiver) ArchiveDay(ctx context.Context, day time.Time) (string, int, error) {
	y, m, d := day.In(a.Window.Location).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, a.Window.Location)
	end := start.AddDate(0, 0, 1)
	key := a.Prefix + a.Window.Day(start) + ".jsonl"

	var entries []models.LedgerEntry
	err := a.DB.WithContext(ctx).
		Where("created_at >= ? AND created_at < ?", start, end).
		Order("created_at ASC").Order("idempotency_key ASC").
		Find(&entries).Error
	if err != nil {
		return key, 0, fmt.Errorf("load entries for %s: %w", key, err)
	}
	if len(entries) == 0 {
		return key, 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return key, 0, fmt.Errorf("encode entry %s: %w", e.IdempotencyKey, err)
		}
	}
	if err := a.Uploader.PutObject(ctx, key, buf.Bytes(), "application/x-ndjson"); err != nil {
		return key, 0, fmt.Errorf("upload %s: %w", key, err)
	}
	a.logger.Info("[ARCHIVE] ledger day uploaded", zap.String("key", key), zap.Int("entries", len(entries)))
	return key, len(entries), nil
}

// ArchivePreviousDay archives the day before the archiver's clock reading.
func (a *LedgerArchiver) ArchivePreviousDay(ctx context.Context) (string, int, error) {
	return a.ArchiveDay(ctx, a.Clock.Now().In(a.Window.Location).AddDate(0, 0, -1))
}
