package booking

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	refundReasonFull    = "cancelled before full refund threshold"
	refundReasonPartial = "cancelled inside partial refund window"
	refundReasonNone    = "cancelled too close to session"
	refundReasonStarted = "session already started"
	refundReasonTutor   = "cancelled by tutor"
	refundReasonDecline = "declined by tutor"
)

// RefundPolicy maps cancellation timing to a refund percentage.
type RefundPolicy struct {
	FullThreshold    time.Duration
	PartialThreshold time.Duration
	PartialPercent   int
}

// DefaultRefundPolicy is the production profile: full refund 48h out, half refund 24h out.
func DefaultRefundPolicy() RefundPolicy {
	return RefundPolicy{
		FullThreshold:    48 * time.Hour,
		PartialThreshold: 24 * time.Hour,
		PartialPercent:   50,
	}
}

// Validate ensures thresholds are ordered and the partial percentage is a percentage.
func (policy RefundPolicy) Validate() error {
	if policy.PartialThreshold < 0 || policy.FullThreshold < policy.PartialThreshold {
		return fmt.Errorf("%w: refund thresholds must satisfy 0 <= partial <= full", ErrInvalidServiceConfig)
	}
	if policy.PartialPercent < 0 || policy.PartialPercent > fullPercentage {
		return fmt.Errorf("%w: partial refund percent must be within 0..100", ErrInvalidServiceConfig)
	}
	return nil
}

// RefundDecision is the outcome of a refund policy evaluation.
type RefundDecision struct {
	Percentage int
	Amount     AmountCents
	Reason     string
}

// CalculateRefund decides how much of totalAmount goes back to the student
// when a booking is cancelled untilSession before its start.
func (policy RefundPolicy) CalculateRefund(totalAmount AmountCents, untilSession time.Duration) RefundDecision {
	switch {
	case untilSession < 0:
		return fixedRefund(totalAmount, 0, refundReasonStarted)
	case untilSession >= policy.FullThreshold:
		return fixedRefund(totalAmount, fullPercentage, refundReasonFull)
	case untilSession >= policy.PartialThreshold:
		return fixedRefund(totalAmount, policy.PartialPercent, refundReasonPartial)
	default:
		return fixedRefund(totalAmount, 0, refundReasonNone)
	}
}

func fixedRefund(totalAmount AmountCents, percentage int, reason string) RefundDecision {
	refund, _ := SplitByPercentage(totalAmount, percentage)
	return RefundDecision{Percentage: percentage, Amount: refund, Reason: reason}
}

// SplitByPercentage splits amount into a share of percentage (rounded down to the cent)
// and the remainder, so share + remainder == amount exactly.
func SplitByPercentage(amount AmountCents, percentage int) (AmountCents, AmountCents) {
	if percentage <= 0 {
		return 0, amount
	}
	if percentage >= fullPercentage {
		return amount, 0
	}
	share := decimal.NewFromInt(amount.Int64()).
		Mul(decimal.NewFromInt(int64(percentage))).
		Div(decimal.NewFromInt(fullPercentage)).
		Floor()
	shareCents := AmountCents(share.IntPart())
	return shareCents, amount - shareCents
}
