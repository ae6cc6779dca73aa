package booking

import (
	"fmt"
	"time"
)

// Policy holds the time-based rules of the booking lifecycle.
type Policy struct {
	LockTTL                 time.Duration
	ReleaseDelay            time.Duration
	SessionWindowBefore     time.Duration
	SessionWindowAfter      time.Duration
	RescheduleMinimumNotice time.Duration
	ReminderOffsets         map[ReminderKind]time.Duration
	Currency                string
	Location                *time.Location
	Refund                  RefundPolicy
	Fees                    FeePolicy
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		LockTTL:                 10 * time.Minute,
		ReleaseDelay:            24 * time.Hour,
		SessionWindowBefore:     24 * time.Hour,
		SessionWindowAfter:      24 * time.Hour,
		RescheduleMinimumNotice: 48 * time.Hour,
		ReminderOffsets: map[ReminderKind]time.Duration{
			Reminder24Hours:   24 * time.Hour,
			Reminder1Hour:     time.Hour,
			Reminder15Minutes: 15 * time.Minute,
		},
		Currency: "ETB",
		Location: time.UTC,
		Refund:   DefaultRefundPolicy(),
		Fees:     DefaultFeePolicy(),
	}
}

// Validate checks the policy for values the engine cannot work with.
func (policy Policy) Validate() error {
	if policy.LockTTL <= 0 {
		return fmt.Errorf("%w: lock ttl must be positive", ErrInvalidServiceConfig)
	}
	if policy.ReleaseDelay < 0 {
		return fmt.Errorf("%w: release delay must not be negative", ErrInvalidServiceConfig)
	}
	if policy.SessionWindowBefore < 0 || policy.SessionWindowAfter < 0 {
		return fmt.Errorf("%w: session window must not be negative", ErrInvalidServiceConfig)
	}
	if policy.Location == nil {
		return fmt.Errorf("%w: location is nil", ErrInvalidServiceConfig)
	}
	if err := policy.Refund.Validate(); err != nil {
		return err
	}
	return policy.Fees.Validate()
}

// Option configures the booking engine components.
type Option func(*settings)

type settings struct {
	logger   OperationLogger
	locker   RegionLocker
	notifier Notifier
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) Option {
	return func(current *settings) {
		current.logger = logger
	}
}

// WithRegionLocker serialises slot-lock acquisition per (tutor, date) through locker.
func WithRegionLocker(locker RegionLocker) Option {
	return func(current *settings) {
		current.locker = locker
	}
}

// WithNotifier wires the best-effort notification channel.
func WithNotifier(notifier Notifier) Option {
	return func(current *settings) {
		current.notifier = notifier
	}
}

func applyOptions(options []Option) settings {
	resolved := settings{}
	for _, option := range options {
		if option != nil {
			option(&resolved)
		}
	}
	return resolved
}
