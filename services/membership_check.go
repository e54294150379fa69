package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// MembershipAPIClient calls the project's membership endpoint:
// GET <BaseURL>?user_id=..&chat_id=.. -> {"status":"1"} when the user is in.
type MembershipAPIClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewMembershipAPIClient(baseURL, token string) *MembershipAPIClient {
	return &MembershipAPIClient{
		BaseURL: baseURL,
		Token:   token,
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type membershipResponse struct {
	Status interface{} `json:"status"`
}

func (c *MembershipAPIClient) IsMember(ctx context.Context, userID, chatID string) (bool, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return false, err
	}
	q := u.Query()
	q.Set("user_id", userID)
	q.Set("chat_id", chatID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false, err
	}
	if c.Token != "" {
		req.Header.Set("X-Service-Token", c.Token)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("membership check returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out membershipResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return false, fmt.Errorf("decode membership response: %w", err)
	}
	return fmt.Sprint(out.Status) == "1", nil
}

// TelegramChatMemberClient asks the Bot API directly with getChatMember.
// The bot must be an administrator of the chat.
type TelegramChatMemberClient struct {
	BaseURL  string
	BotToken string
	Client   *http.Client
}

func NewTelegramChatMemberClient(botToken string) *TelegramChatMemberClient {
	return &TelegramChatMemberClient{
		BaseURL:  "https://api.telegram.org",
		BotToken: botToken,
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type chatMemberResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		Status   string `json:"status"`
		IsMember bool   `json:"is_member"`
	} `json:"result"`
}

func (c *TelegramChatMemberClient) IsMember(ctx context.Context, userID, chatID string) (bool, error) {
	if _, err := strconv.ParseInt(userID, 10, 64); err != nil {
		return false, fmt.Errorf("telegram user id %q is not numeric", userID)
	}
	q := url.Values{}
	q.Set("chat_id", chatID)
	q.Set("user_id", userID)
	endpoint := fmt.Sprintf("%s/bot%s/getChatMember?%s", strings.TrimRight(c.BaseURL, "/"), c.BotToken, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var out chatMemberResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return false, fmt.Errorf("decode getChatMember response (%d): %w", resp.StatusCode, err)
	}
	if !out.OK {
		// Telegram answers 400 "user not found" for users who never joined.
		if resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(out.Description), "not found") {
			return false, nil
		}
		return false, fmt.Errorf("getChatMember failed (%d): %s", resp.StatusCode, out.Description)
	}

	switch out.Result.Status {
	case "creator", "administrator", "member":
		return true, nil
	case "restricted":
		return out.Result.IsMember, nil
	default:
		return false, nil
	}
}
