package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds the application configuration. It is loaded once at start-up
// and passed to constructors; nothing re-reads the environment per request.
type Config struct {
	Environment  string
	HTTPAddr     string
	DatabaseURL  string
	RedisAddr    string
	MaxBodyBytes int64

	JWTSecret string
	JWTIssuer string

	RateLimit    RateLimit
	Withdrawal   Withdrawal
	Fees         Fees
	Ledger       Ledger
	Notification Notification
	SMS          SMS
	Mpesa        Mpesa
	Receipt      Receipt
	Retry        Retry
	TLS          TLS
}

type RateLimit struct {
	Capacity   int
	RefillRate float64
}

type Withdrawal struct {
	OTPThreshold decimal.Decimal
	OTPExpiry    time.Duration
}

type Fees struct {
	// Mode is "flat" or "schedule".
	Mode     string
	Percent  decimal.Decimal
	Schedule string
}

type Ledger struct {
	FeeWalletID     string
	FloatWalletID   string
	DefaultCurrency string
}

type Notification struct {
	CostPerMessage decimal.Decimal
	ResendInterval time.Duration
	ResendWindow   time.Duration
	MaxAttempts    int
}

type SMS struct {
	BaseURL  string
	Username string
	APIKey   string
	SenderID string
	Timeout  time.Duration
}

type Mpesa struct {
	BaseURL           string
	ConsumerKey       string
	ConsumerSecret    string
	ShortCode         string
	Passkey           string
	CallbackURL       string
	Timeout           time.Duration
	TokenSafetyMargin time.Duration
	CallbackAllowlist []string
}

type Receipt struct {
	BaseURL string
}

// TLS is optional; the server speaks plain HTTP when CertFile is empty.
type TLS struct {
	CertFile     string
	KeyFile      string
	ClientCAFile string
}

// Retry is the provider retry policy shared by the SMS and M-Pesa clients.
type Retry struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("max_body_bytes", 1<<20)
	v.SetDefault("jwt_issuer", "wallet-core")
	v.SetDefault("rate_limit_capacity", 60)
	v.SetDefault("rate_limit_refill_rate", 1.0)

	v.SetDefault("withdrawal_otp_threshold", "10000")
	v.SetDefault("withdrawal_otp_expiry", "300s")

	v.SetDefault("fee_mode", "flat")
	v.SetDefault("fee_percent", "1")
	v.SetDefault("fee_schedule", "")

	v.SetDefault("ledger_fee_wallet_id", "SYS-FEES")
	v.SetDefault("ledger_float_wallet_id", "SYS-FLOAT")
	v.SetDefault("ledger_default_currency", "KES")

	v.SetDefault("notification_cost_per_message", "1.0")
	v.SetDefault("notification_resend_interval", "5m")
	v.SetDefault("notification_resend_window", "24h")
	v.SetDefault("notification_max_attempts", 3)

	v.SetDefault("sms_base_url", "https://api.africastalking.com/version1/messaging")
	v.SetDefault("sms_sender_id", "WALLET")
	v.SetDefault("sms_timeout", "10s")

	v.SetDefault("mpesa_base_url", "https://sandbox.safaricom.co.ke")
	v.SetDefault("mpesa_timeout", "30s")
	v.SetDefault("mpesa_token_safety_margin", "60s")
	v.SetDefault("mpesa_callback_allowlist", "")

	v.SetDefault("receipt_base_url", "http://localhost:8080/v1/receipts")

	v.SetDefault("provider_retry_max_attempts", 3)
	v.SetDefault("provider_retry_base_delay", "200ms")
	v.SetDefault("provider_retry_max_delay", "2s")
}

// Load reads configuration from the environment (APP_ENV, DATABASE_URL, ...)
// on top of the documented defaults, then validates it.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		Environment:  v.GetString("app_env"),
		HTTPAddr:     v.GetString("http_addr"),
		DatabaseURL:  v.GetString("database_url"),
		RedisAddr:    v.GetString("redis_addr"),
		MaxBodyBytes: v.GetInt64("max_body_bytes"),
		JWTSecret:    v.GetString("jwt_secret"),
		JWTIssuer:    v.GetString("jwt_issuer"),
		RateLimit: RateLimit{
			Capacity:   v.GetInt("rate_limit_capacity"),
			RefillRate: v.GetFloat64("rate_limit_refill_rate"),
		},
		Withdrawal: Withdrawal{
			OTPExpiry: v.GetDuration("withdrawal_otp_expiry"),
		},
		Fees: Fees{
			Mode:     strings.ToLower(v.GetString("fee_mode")),
			Schedule: v.GetString("fee_schedule"),
		},
		Ledger: Ledger{
			FeeWalletID:     v.GetString("ledger_fee_wallet_id"),
			FloatWalletID:   v.GetString("ledger_float_wallet_id"),
			DefaultCurrency: strings.ToUpper(v.GetString("ledger_default_currency")),
		},
		Notification: Notification{
			ResendInterval: v.GetDuration("notification_resend_interval"),
			ResendWindow:   v.GetDuration("notification_resend_window"),
			MaxAttempts:    v.GetInt("notification_max_attempts"),
		},
		SMS: SMS{
			BaseURL:  v.GetString("sms_base_url"),
			Username: v.GetString("sms_username"),
			APIKey:   v.GetString("sms_api_key"),
			SenderID: v.GetString("sms_sender_id"),
			Timeout:  v.GetDuration("sms_timeout"),
		},
		Mpesa: Mpesa{
			BaseURL:           v.GetString("mpesa_base_url"),
			ConsumerKey:       v.GetString("mpesa_consumer_key"),
			ConsumerSecret:    v.GetString("mpesa_consumer_secret"),
			ShortCode:         v.GetString("mpesa_short_code"),
			Passkey:           v.GetString("mpesa_passkey"),
			CallbackURL:       v.GetString("mpesa_callback_url"),
			Timeout:           v.GetDuration("mpesa_timeout"),
			TokenSafetyMargin: v.GetDuration("mpesa_token_safety_margin"),
			CallbackAllowlist: splitList(v.GetString("mpesa_callback_allowlist")),
		},
		Receipt: Receipt{
			BaseURL: strings.TrimRight(v.GetString("receipt_base_url"), "/"),
		},
		Retry: Retry{
			MaxAttempts: v.GetInt("provider_retry_max_attempts"),
			BaseDelay:   v.GetDuration("provider_retry_base_delay"),
			MaxDelay:    v.GetDuration("provider_retry_max_delay"),
		},
		TLS: TLS{
			CertFile:     v.GetString("tls_cert_file"),
			KeyFile:      v.GetString("tls_key_file"),
			ClientCAFile: v.GetString("tls_client_ca_file"),
		},
	}

	var err error
	if cfg.Withdrawal.OTPThreshold, err = parseDecimal("WITHDRAWAL_OTP_THRESHOLD", v.GetString("withdrawal_otp_threshold")); err != nil {
		return nil, err
	}
	if cfg.Fees.Percent, err = parseDecimal("FEE_PERCENT", v.GetString("fee_percent")); err != nil {
		return nil, err
	}
	if cfg.Notification.CostPerMessage, err = parseDecimal("NOTIFICATION_COST_PER_MESSAGE", v.GetString("notification_cost_per_message")); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var missing []string

	if c.Environment == "" {
		missing = append(missing, "APP_ENV")
	}
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	if c.Withdrawal.OTPThreshold.IsNegative() {
		return errors.New("WITHDRAWAL_OTP_THRESHOLD must not be negative")
	}
	if c.Withdrawal.OTPExpiry <= 0 {
		return errors.New("WITHDRAWAL_OTP_EXPIRY must be positive")
	}
	if c.Notification.CostPerMessage.IsNegative() {
		return errors.New("NOTIFICATION_COST_PER_MESSAGE must not be negative")
	}
	if c.Fees.Mode != "flat" && c.Fees.Mode != "schedule" {
		return fmt.Errorf("FEE_MODE must be flat or schedule, got %q", c.Fees.Mode)
	}
	if c.Fees.Mode == "schedule" && c.Fees.Schedule == "" {
		return errors.New("FEE_SCHEDULE is required when FEE_MODE=schedule")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("PROVIDER_RETRY_MAX_ATTEMPTS must be at least 1")
	}

	// Provider credentials and the signing secret are only mandatory outside development.
	if c.Environment == "production" || c.Environment == "staging" {
		for key, val := range map[string]string{
			"JWT_SECRET":            c.JWTSecret,
			"REDIS_ADDR":            c.RedisAddr,
			"SMS_API_KEY":           c.SMS.APIKey,
			"MPESA_CONSUMER_KEY":    c.Mpesa.ConsumerKey,
			"MPESA_CONSUMER_SECRET": c.Mpesa.ConsumerSecret,
			"MPESA_PASSKEY":         c.Mpesa.Passkey,
		} {
			if val == "" {
				missing = append(missing, key)
			}
		}

		if len(missing) > 0 {
			sort.Strings(missing)
			return errors.New("missing required environment variables for " + c.Environment + ": " + strings.Join(missing, ", "))
		}

		if len(c.JWTSecret) < 32 {
			return errors.New("JWT_SECRET must be at least 32 bytes")
		}
	}

	return nil
}

func parseDecimal(name, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s is not a decimal: %q", name, raw)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
