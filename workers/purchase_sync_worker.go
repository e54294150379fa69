package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"reward-ledger/services"

	"go.uber.org/zap"
)

// ConfirmedPurchase is one confirmed payment reported by the payments service.
type ConfirmedPurchase struct {
	services.PurchaseConfirmation
	ConfirmedAt time.Time `json:"confirmed_at"`
}

type PaymentsClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewPaymentsClient(baseURL, token string) *PaymentsClient {
	return &PaymentsClient{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GetConfirmedPurchases lists payments confirmed after since.
func (c *PaymentsClient) GetConfirmedPurchases(ctx context.Context, since time.Time) ([]ConfirmedPurchase, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse payments URL: %w", err)
	}
	q := u.Query()
	q.Set("since", since.UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Service-Token", c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call payments service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("payments service returned status %d: %s", resp.StatusCode, string(body))
	}

	var response struct {
		Purchases []ConfirmedPurchase `json:"purchases"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode payments response: %w", err)
	}
	return response.Purchases, nil
}

// PurchasePoller feeds confirmed payments into the store. Each payment is
// applied once, so re-reading a window after a failure is safe.
type PurchasePoller struct {
	Client   *PaymentsClient
	Store    *services.StoreService
	Interval time.Duration
	logger   *zap.Logger

	lastSync time.Time
}

func NewPurchasePoller(client *PaymentsClient, store *services.StoreService, interval time.Duration, logger *zap.Logger) *PurchasePoller {
	return &PurchasePoller{
		Client:   client,
		Store:    store,
		Interval: interval,
		logger:   logger,
		lastSync: time.Now().UTC().Add(-24 * time.Hour),
	}
}

func (p *PurchasePoller) Run(ctx context.Context) {
	p.logger.Info("[PAYMENTS] starting purchase polling", zap.Duration("interval", p.Interval))
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("[PAYMENTS] purchase polling stopped")
			return
		case <-ticker.C:
			if err := p.PollOnce(ctx); err != nil {
				p.logger.Error("[PAYMENTS] poll failed", zap.Error(err))
			}
		}
	}
}

// PollOnce applies every purchase confirmed since the last successful poll.
// The window only advances when nothing failed transiently.
func (p *PurchasePoller) PollOnce(ctx context.Context) error {
	pollTime := time.Now().UTC()
	purchases, err := p.Client.GetConfirmedPurchases(ctx, p.lastSync)
	if err != nil {
		return err
	}

	var failed int
	for _, c := range purchases {
		_, err := p.Store.ConfirmPurchase(ctx, c.PurchaseConfirmation)
		switch {
		case err == nil:
		case errors.Is(err, services.ErrUnknownUpgrade),
			errors.Is(err, services.ErrUnknownUser),
			errors.Is(err, services.ErrInvalidSource):
			// Retrying will not help.
			p.logger.Warn("[PAYMENTS] rejected purchase",
				zap.String("user_id", c.UserID),
				zap.String("payment_ref", c.PaymentRef),
				zap.Error(err))
		default:
			failed++
			p.logger.Error("[PAYMENTS] failed to apply purchase",
				zap.String("user_id", c.UserID),
				zap.String("payment_ref", c.PaymentRef),
				zap.Error(err))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d purchases failed", failed, len(purchases))
	}
	p.lastSync = pollTime
	return nil
}
