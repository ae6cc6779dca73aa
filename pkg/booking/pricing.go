package booking

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FeePolicy configures the platform's cut of each booking.
type FeePolicy struct {
	PlatformFeePercent decimal.Decimal
}

// DefaultFeePolicy takes a 10% platform fee.
func DefaultFeePolicy() FeePolicy {
	return FeePolicy{PlatformFeePercent: decimal.NewFromInt(10)}
}

// Validate ensures the fee is a percentage.
func (policy FeePolicy) Validate() error {
	if policy.PlatformFeePercent.IsNegative() || policy.PlatformFeePercent.GreaterThan(decimal.NewFromInt(fullPercentage)) {
		return fmt.Errorf("%w: platform fee percent must be within 0..100", ErrInvalidServiceConfig)
	}
	return nil
}

// Quote is the priced breakdown of a booking.
type Quote struct {
	TotalAmount   AmountCents
	PlatformFee   AmountCents
	TutorEarnings AmountCents
}

// TotalFor prices durationMinutes at pricePerHour, rounded half-up to the cent.
func TotalFor(durationMinutes int, pricePerHour AmountCents) (AmountCents, error) {
	if durationMinutes <= 0 {
		return 0, fmt.Errorf("%w: duration must be positive", ErrValidation)
	}
	if pricePerHour < 0 {
		return 0, fmt.Errorf("%w: price per hour must not be negative", ErrValidation)
	}
	total := decimal.NewFromInt(int64(durationMinutes)).
		Mul(decimal.NewFromInt(pricePerHour.Int64())).
		DivRound(decimal.NewFromInt(minutesPerHour), 0)
	return AmountCents(total.IntPart()), nil
}

// FeeFor returns the platform fee (rounded down) and tutor share of amount.
// The two always add up to amount.
func (policy FeePolicy) FeeFor(amount AmountCents) (AmountCents, AmountCents) {
	fee := decimal.NewFromInt(amount.Int64()).
		Mul(policy.PlatformFeePercent).
		Div(decimal.NewFromInt(fullPercentage)).
		Floor()
	feeCents := AmountCents(fee.IntPart())
	return feeCents, amount - feeCents
}

// QuoteFor prices a booking and splits it between platform and tutor.
func (policy FeePolicy) QuoteFor(durationMinutes int, pricePerHour AmountCents) (Quote, error) {
	total, err := TotalFor(durationMinutes, pricePerHour)
	if err != nil {
		return Quote{}, err
	}
	fee, earnings := policy.FeeFor(total)
	return Quote{TotalAmount: total, PlatformFee: fee, TutorEarnings: earnings}, nil
}
