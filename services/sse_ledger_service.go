package services

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"reward-ledger/models"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// StreamLedgerSSE streams the authenticated user's new ledger entries.
func (s *RewardService) StreamLedgerSSE(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	// fasthttp closes Done only on server shutdown. A client that went away
	// shows up as a Flush error, and every query below carries its own timeout.
	done := c.Context().Done()
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		// Cursor starts after the newest existing entry.
		cursor, err := s.latestLedgerEntry(userID)
		if err != nil {
			s.logger.Warn("[LEDGER] stream init failed", zap.String("user_id", userID), zap.Error(err))
		}

		w.WriteString(":\n\n")
		if err := w.Flush(); err != nil {
			return
		}

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}

			fresh, err := s.ledgerEntriesAfter(userID, cursor)
			if err != nil {
				s.logger.Warn("[LEDGER] stream query failed", zap.String("user_id", userID), zap.Error(err))
				continue
			}

			if len(fresh) == 0 {
				// Keepalive also detects a closed client.
				w.WriteString(":\n\n")
				if err := w.Flush(); err != nil {
					return
				}
				continue
			}

			cursor = fresh[len(fresh)-1]
			for _, e := range fresh {
				payload, _ := json.Marshal(e)
				fmt.Fprintf(w, "event: ledger\ndata: %s\n\n", payload)
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	})
	return nil
}

const streamQueryTimeout = 5 * time.Second

func (s *RewardService) latestLedgerEntry(userID string) (models.LedgerEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), streamQueryTimeout)
	defer cancel()

	var cursor models.LedgerEntry
	err := s.Ledger.DB.WithContext(ctx).Where("user_id = ?", userID).
		Order("created_at DESC").Order("idempotency_key DESC").
		Limit(1).Find(&cursor).Error
	return cursor, err
}

// ledgerEntriesAfter returns up to 100 entries ordered after cursor.
func (s *RewardService) ledgerEntriesAfter(userID string, cursor models.LedgerEntry) ([]models.LedgerEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), streamQueryTimeout)
	defer cancel()

	var fresh []models.LedgerEntry
	err := s.Ledger.DB.WithContext(ctx).Where("user_id = ?", userID).
		Where("created_at > ? OR (created_at = ? AND idempotency_key > ?)",
			cursor.CreatedAt, cursor.CreatedAt, cursor.IdempotencyKey).
		Order("created_at ASC").Order("idempotency_key ASC").
		Limit(100).
		Find(&fresh).Error
	return fresh, err
}
