package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// AgeRewardSource prices the onboarding gift from the age of the user's
// Telegram account. The curve is owned by the source.
type AgeRewardSource interface {
	AgeReward(ctx context.Context, userID string) (int64, error)
}

// StaticAgeReward pays the same amount to everyone.
type StaticAgeReward int64

func (r StaticAgeReward) AgeReward(context.Context, string) (int64, error) {
	return int64(r), nil
}

// HTTPAgeReward calls GET <URL>?userid=.. -> {"years": n, "reward": m}.
type HTTPAgeReward struct {
	URL    string
	Client *http.Client
}

func NewHTTPAgeReward(rawURL string) *HTTPAgeReward {
	return &HTTPAgeReward{
		URL:    rawURL,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

type ageRewardResponse struct {
	Years  int   `json:"years"`
	Reward int64 `json:"reward"`
}

func (h *HTTPAgeReward) AgeReward(ctx context.Context, userID string) (int64, error) {
	u, err := url.Parse(h.URL)
	if err != nil {
		return 0, err
	}
	q := u.Query()
	q.Set("userid", userID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("age reward returned %d", resp.StatusCode)
	}
	var out ageRewardResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode age reward: %w", err)
	}
	if out.Reward < 0 {
		return 0, fmt.Errorf("age reward is negative: %d", out.Reward)
	}
	return out.Reward, nil
}
