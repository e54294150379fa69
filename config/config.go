package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process configuration, read once at startup.
type Config struct {
	Env            string
	LogLevel       string
	ListenAddr     string
	AllowedOrigins []string

	DatabaseURL      string
	ServiceToken     string
	TelegramBotToken string
	InitDataMaxAge   time.Duration

	ReferenceTimezone *time.Location
	LinkSettleDelay   time.Duration
	TelegramCheck     time.Duration
	MaxAttempts       int
	StaleAfter        time.Duration

	PerReferralReward int64
	DailyLoginBonus   int64
	DailyTaskBonus    int64
	PremiumBonus      int64

	CatalogURL         string
	CatalogRefresh     time.Duration
	AgeRewardURL       string
	MembershipCheckURL string
	PaymentsURL        string
	PaymentsPoll       time.Duration

	R2AccountID       string
	R2AccessKeyID     string
	R2AccessKeySecret string
	R2Bucket          string
}

// LoadDotEnv reads .env into the environment when the file exists.
// It reports whether a file was loaded.
func LoadDotEnv(files ...string) bool {
	return godotenv.Load(files...) == nil
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	r := reader{}
	cfg := &Config{
		Env:            r.str("ENV", "dev"),
		LogLevel:       r.str("LOG_LEVEL", "info"),
		ListenAddr:     r.str("LISTEN_ADDR", ":5200"),
		AllowedOrigins: splitList(r.str("ALLOWED_ORIGINS", "http://localhost:3000")),

		DatabaseURL:      r.required("DATABASE_URL"),
		ServiceToken:     r.required("SERVICE_TOKEN"),
		TelegramBotToken: r.required("TELEGRAM_BOT_TOKEN"),
		InitDataMaxAge:   r.duration("INIT_DATA_MAX_AGE", 24*time.Hour),

		ReferenceTimezone: r.location("REFERENCE_TIMEZONE", "UTC"),
		LinkSettleDelay:   r.duration("LINK_SETTLE_DELAY", 5*time.Second),
		TelegramCheck:     r.duration("TELEGRAM_CHECK_DELAY", 6*time.Second),
		MaxAttempts:       int(r.integer("VERIFICATION_MAX_ATTEMPTS", 5)),
		StaleAfter:        r.duration("VERIFICATION_STALE_AFTER", 15*time.Minute),

		PerReferralReward: r.integer("PER_REFERRAL_REWARD", 3000),
		DailyLoginBonus:   r.integer("DAILY_LOGIN_BONUS", 1500),
		DailyTaskBonus:    r.integer("DAILY_TASK_BONUS", 120),
		PremiumBonus:      r.integer("PREMIUM_BONUS", 2500),

		CatalogURL:         r.str("CATALOG_URL", ""),
		CatalogRefresh:     r.duration("CATALOG_REFRESH", time.Minute),
		AgeRewardURL:       r.str("AGE_REWARD_URL", ""),
		MembershipCheckURL: r.str("MEMBERSHIP_CHECK_URL", ""),
		PaymentsURL:        r.str("PAYMENTS_URL", ""),
		PaymentsPoll:       r.duration("PAYMENTS_POLL", 10*time.Second),

		R2AccountID:       r.str("CLOUDFLARE_ACCOUNT_ID", ""),
		R2AccessKeyID:     r.str("R2_ACCESS_KEY_ID", ""),
		R2AccessKeySecret: r.str("R2_ACCESS_KEY_SECRET", ""),
		R2Bucket:          r.str("R2_BUCKET_NAME", ""),
	}
	if cfg.MaxAttempts < 1 {
		r.errs = append(r.errs, errors.New("VERIFICATION_MAX_ATTEMPTS must be at least 1"))
	}
	if len(r.errs) > 0 {
		return nil, errors.Join(r.errs...)
	}
	return cfg, nil
}

// reader collects every problem instead of stopping at the first.
type reader struct {
	errs []error
}

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *reader) required(key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		r.errs = append(r.errs, fmt.Errorf("%s environment variable not set", key))
	}
	return v
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}

func (r *reader) integer(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid non-negative integer %q", key, v))
		return def
	}
	return n
}

func (r *reader) location(key, def string) *time.Location {
	name := r.str(key, def)
	loc, err := time.LoadLocation(name)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return time.UTC
	}
	return loc
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
