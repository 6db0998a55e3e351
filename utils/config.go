// utils/config.go
package utils

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config collects every knob the service reads from the environment, so the
// rest of the code takes explicit values instead of reaching for os.Getenv.
type Config struct {
	DatabaseURL    string
	ListenAddr     string
	AllowedOrigins string
	ServiceToken   string

	NowPaymentsAPIKey    string
	NowPaymentsIPNSecret string
	NowPaymentsSandbox   bool
	IPNCallbackURL       string
	SuccessURL           string
	CancelURL            string
	FixedRate            bool
	FeePaidByUser        bool

	MinDeposit decimal.Decimal

	ResendAPIKey string
	FromEmail    string

	R2AccountID       string
	R2AccessKeyID     string
	R2AccessKeySecret string
	R2Bucket          string

	PollInterval time.Duration
	StaleAfter   time.Duration
}

// LoadConfig reads the environment. Only the database URL and the processor
// API key are hard requirements; everything else has a default or disables
// its feature when empty.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		ListenAddr:           envDefault("LISTEN_ADDR", ":5300"),
		AllowedOrigins:       envDefault("ALLOWED_ORIGINS", "http://localhost:3000"),
		ServiceToken:         os.Getenv("PAYMENT_SERVICE_TOKEN"),
		NowPaymentsAPIKey:    os.Getenv("NOWPAYMENTS_API_KEY"),
		NowPaymentsIPNSecret: os.Getenv("NOWPAYMENTS_IPN_SECRET"),
		NowPaymentsSandbox:   envBool("NOWPAYMENTS_SANDBOX", false),
		IPNCallbackURL:       os.Getenv("NOWPAYMENTS_IPN_CALLBACK_URL"),
		SuccessURL:           os.Getenv("PAYMENT_SUCCESS_URL"),
		CancelURL:            os.Getenv("PAYMENT_CANCEL_URL"),
		FixedRate:            envBool("NOWPAYMENTS_FIXED_RATE", true),
		FeePaidByUser:        envBool("NOWPAYMENTS_FEE_PAID_BY_USER", true),
		ResendAPIKey:         os.Getenv("RESEND_API_KEY"),
		FromEmail:            os.Getenv("FROM_EMAIL"),
		R2AccountID:          os.Getenv("CLOUDFLARE_ACCOUNT_ID"),
		R2AccessKeyID:        os.Getenv("R2_ACCESS_KEY_ID"),
		R2AccessKeySecret:    os.Getenv("R2_ACCESS_KEY_SECRET"),
		R2Bucket:             os.Getenv("R2_BUCKET_NAME"),
		PollInterval:         envDuration("PAYMENT_POLL_INTERVAL", 5*time.Minute),
		StaleAfter:           envDuration("PAYMENT_STALE_AFTER", 10*time.Minute),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable not set")
	}
	if cfg.NowPaymentsAPIKey == "" {
		return nil, fmt.Errorf("NOWPAYMENTS_API_KEY environment variable not set")
	}

	minDeposit := envDefault("MIN_DEPOSIT_USD", "20.00")
	parsed, err := decimal.NewFromString(minDeposit)
	if err != nil {
		return nil, fmt.Errorf("invalid MIN_DEPOSIT_USD %q: %w", minDeposit, err)
	}
	cfg.MinDeposit = parsed

	return cfg, nil
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return parsed
}
