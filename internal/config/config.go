// Package config holds the runtime settings of the tutorbook daemon.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tutorbook/pkg/booking"
	"github.com/shopspring/decimal"
)

const (
	defaultDatabaseURL       = "sqlite:///tmp/tutorbook.db"
	defaultHTTPListenAddr    = ":8080"
	defaultGRPCListenAddr    = ":7000"
	defaultAllowedOrigin     = "http://localhost:8000"
	defaultSessionIssuer     = "tauth"
	defaultSessionCookie     = "app_session"
	defaultRabbitExchange    = "tutorbook.events"
	defaultSchedule          = "@every 1m"
	defaultSessionTokenAppID = "tutorbook"
	defaultTransactionLimit  = 50
)

// Config aggregates runtime settings for tutorbookd.
type Config struct {
	DatabaseURL    string
	HTTPListenAddr string
	GRPCListenAddr string
	AllowedOrigins []string

	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string

	RedisAddr      string
	RabbitURL      string
	RabbitExchange string

	ChapaBaseURL       string
	ChapaSecretKey     string
	ChapaWebhookSecret string
	ChapaCallbackURL   string
	ChapaReturnURL     string

	SessionTokenAppID  string
	SessionTokenSecret string
	SessionTokenTTL    time.Duration

	Schedule         string
	TransactionLimit int

	LockTTL                 time.Duration
	ReleaseDelay            time.Duration
	PlatformFeePercent      string
	RefundFullThreshold     time.Duration
	RefundPartialThreshold  time.Duration
	RefundPartialPercent    int
	SessionWindowBefore     time.Duration
	SessionWindowAfter      time.Duration
	RescheduleMinimumNotice time.Duration
	Reminder24Hours         time.Duration
	Reminder1Hour           time.Duration
	Reminder15Minutes       time.Duration
	Currency                string
	Timezone                string
}

// Default returns a Config populated with the production profile.
func Default() Config {
	policy := booking.DefaultPolicy()
	return Config{
		DatabaseURL:             defaultDatabaseURL,
		HTTPListenAddr:          defaultHTTPListenAddr,
		GRPCListenAddr:          defaultGRPCListenAddr,
		AllowedOrigins:          []string{defaultAllowedOrigin},
		SessionIssuer:           defaultSessionIssuer,
		SessionCookieName:       defaultSessionCookie,
		RabbitExchange:          defaultRabbitExchange,
		SessionTokenAppID:       defaultSessionTokenAppID,
		Schedule:                defaultSchedule,
		TransactionLimit:        defaultTransactionLimit,
		LockTTL:                 policy.LockTTL,
		ReleaseDelay:            policy.ReleaseDelay,
		PlatformFeePercent:      policy.Fees.PlatformFeePercent.String(),
		RefundFullThreshold:     policy.Refund.FullThreshold,
		RefundPartialThreshold:  policy.Refund.PartialThreshold,
		RefundPartialPercent:    policy.Refund.PartialPercent,
		SessionWindowBefore:     policy.SessionWindowBefore,
		SessionWindowAfter:      policy.SessionWindowAfter,
		RescheduleMinimumNotice: policy.RescheduleMinimumNotice,
		Reminder24Hours:         policy.ReminderOffsets[booking.Reminder24Hours],
		Reminder1Hour:           policy.ReminderOffsets[booking.Reminder1Hour],
		Reminder15Minutes:       policy.ReminderOffsets[booking.Reminder15Minutes],
		Currency:                policy.Currency,
		Timezone:                "UTC",
	}
}

// Validate fills empty settings with defaults and rejects unusable values.
func (cfg *Config) Validate() error {
	defaults := Default()
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaults.DatabaseURL)
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaults.HTTPListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaults.GRPCListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = defaults.AllowedOrigins
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaults.SessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaults.SessionCookieName)
	cfg.RabbitExchange = defaultIfEmpty(cfg.RabbitExchange, defaults.RabbitExchange)
	cfg.SessionTokenAppID = defaultIfEmpty(cfg.SessionTokenAppID, defaults.SessionTokenAppID)
	cfg.Schedule = defaultIfEmpty(cfg.Schedule, defaults.Schedule)
	cfg.PlatformFeePercent = defaultIfEmpty(cfg.PlatformFeePercent, defaults.PlatformFeePercent)
	cfg.Currency = defaultIfEmpty(cfg.Currency, defaults.Currency)
	cfg.Timezone = defaultIfEmpty(cfg.Timezone, defaults.Timezone)
	if cfg.TransactionLimit <= 0 {
		cfg.TransactionLimit = defaults.TransactionLimit
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaults.LockTTL
	}

	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if len(cfg.SessionTokenSecret) == 0 {
		return fmt.Errorf("session token secret is required")
	}
	if (cfg.ChapaSecretKey == "") != (cfg.ChapaWebhookSecret == "") {
		return fmt.Errorf("chapa secret key and webhook secret must be set together")
	}
	if _, err := cfg.Policy(); err != nil {
		return err
	}
	return nil
}

// PaymentsEnabled reports whether a payment gateway is configured.
func (cfg Config) PaymentsEnabled() bool {
	return cfg.ChapaSecretKey != "" && cfg.ChapaWebhookSecret != ""
}

// Policy builds the booking policy described by the configuration.
func (cfg Config) Policy() (booking.Policy, error) {
	feePercent, err := decimal.NewFromString(strings.TrimSpace(cfg.PlatformFeePercent))
	if err != nil {
		return booking.Policy{}, fmt.Errorf("%w: platform fee percent %q: %v", booking.ErrInvalidServiceConfig, cfg.PlatformFeePercent, err)
	}
	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return booking.Policy{}, fmt.Errorf("%w: timezone %q: %v", booking.ErrInvalidServiceConfig, cfg.Timezone, err)
	}
	policy := booking.Policy{
		LockTTL:                 cfg.LockTTL,
		ReleaseDelay:            cfg.ReleaseDelay,
		SessionWindowBefore:     cfg.SessionWindowBefore,
		SessionWindowAfter:      cfg.SessionWindowAfter,
		RescheduleMinimumNotice: cfg.RescheduleMinimumNotice,
		ReminderOffsets: map[booking.ReminderKind]time.Duration{
			booking.Reminder24Hours:   cfg.Reminder24Hours,
			booking.Reminder1Hour:     cfg.Reminder1Hour,
			booking.Reminder15Minutes: cfg.Reminder15Minutes,
		},
		Currency: cfg.Currency,
		Location: location,
		Refund: booking.RefundPolicy{
			FullThreshold:    cfg.RefundFullThreshold,
			PartialThreshold: cfg.RefundPartialThreshold,
			PartialPercent:   cfg.RefundPartialPercent,
		},
		Fees: booking.FeePolicy{PlatformFeePercent: feePercent},
	}
	if err := policy.Validate(); err != nil {
		return booking.Policy{}, err
	}
	return policy, nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
