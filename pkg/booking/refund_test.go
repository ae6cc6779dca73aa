package booking

import (
	"errors"
	"testing"
	"time"
)

func TestCalculateRefundDefaultPolicy(t *testing.T) {
	t.Parallel()
	policy := DefaultRefundPolicy()
	cases := []struct {
		name           string
		untilSession   time.Duration
		wantPercentage int
		wantAmount     AmountCents
	}{
		{name: "seventy two hours out", untilSession: 72 * time.Hour, wantPercentage: 100, wantAmount: 10000},
		{name: "exactly full threshold", untilSession: 48 * time.Hour, wantPercentage: 100, wantAmount: 10000},
		{name: "thirty hours out", untilSession: 30 * time.Hour, wantPercentage: 50, wantAmount: 5000},
		{name: "exactly partial threshold", untilSession: 24 * time.Hour, wantPercentage: 50, wantAmount: 5000},
		{name: "twelve hours out", untilSession: 12 * time.Hour, wantPercentage: 0, wantAmount: 0},
		{name: "already started", untilSession: -time.Minute, wantPercentage: 0, wantAmount: 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			decision := policy.CalculateRefund(10000, tc.untilSession)
			if decision.Percentage != tc.wantPercentage {
				t.Fatalf("expected %d%%, got %d%%", tc.wantPercentage, decision.Percentage)
			}
			if decision.Amount != tc.wantAmount {
				t.Fatalf("expected %s, got %s", tc.wantAmount, decision.Amount)
			}
			if decision.Reason == "" {
				t.Fatalf("expected a reason")
			}
		})
	}
}

func TestSplitByPercentageConservesAmount(t *testing.T) {
	t.Parallel()
	for _, amount := range []AmountCents{0, 1, 3, 999, 10001, 123457} {
		for _, percentage := range []int{0, 1, 33, 50, 67, 99, 100} {
			share, remainder := SplitByPercentage(amount, percentage)
			if share+remainder != amount {
				t.Fatalf("%s at %d%%: %s + %s does not add up", amount, percentage, share, remainder)
			}
			if share < 0 || remainder < 0 {
				t.Fatalf("%s at %d%%: negative split %s/%s", amount, percentage, share, remainder)
			}
		}
	}
	share, remainder := SplitByPercentage(999, 50)
	if share != 499 || remainder != 500 {
		t.Fatalf("expected 499/500, got %s/%s", share, remainder)
	}
}

func TestRefundPolicyValidate(t *testing.T) {
	t.Parallel()
	invalid := []RefundPolicy{
		{FullThreshold: time.Hour, PartialThreshold: 2 * time.Hour, PartialPercent: 50},
		{FullThreshold: time.Hour, PartialThreshold: -time.Hour, PartialPercent: 50},
		{FullThreshold: time.Hour, PartialThreshold: time.Minute, PartialPercent: 101},
	}
	for index, policy := range invalid {
		if err := policy.Validate(); !errors.Is(err, ErrInvalidServiceConfig) {
			t.Fatalf("case %d: expected ErrInvalidServiceConfig, got %v", index, err)
		}
	}
	if err := DefaultRefundPolicy().Validate(); err != nil {
		t.Fatalf("default policy: %v", err)
	}
}
