package booking_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/tutorbook/pkg/booking"
)

func TestGatewayPaymentIsVerifiedOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	slot := h.publishSlot(t, "2026-03-10", "09:00", "10:00")
	requested, err := h.service.CreateRequest(ctx, booking.BookingRequest{StudentID: testStudentID, SlotID: slot.ID})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	_, err = h.service.InitializePayment(ctx, requested.ID, "student-2", "someone@example.com")
	expectError(t, err, booking.ErrUnauthorized)

	initialized, err := h.service.InitializePayment(ctx, requested.ID, testStudentID, "student@example.com")
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	reference := initialized.Payment.Reference
	if !strings.HasPrefix(reference, "tx-"+requested.ID+"-") {
		t.Fatalf("unexpected reference %q", reference)
	}
	if initialized.Payment.Status != booking.PaymentPending || initialized.Payment.CheckoutURL == "" {
		t.Fatalf("unexpected payment %+v", initialized.Payment)
	}

	verified, err := h.service.VerifyPayment(ctx, reference)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verified.Payment.Status != booking.PaymentPaid || verified.Escrow.Status != booking.EscrowHeld {
		t.Fatalf("unexpected booking %s/%s", verified.Payment.Status, verified.Escrow.Status)
	}
	if verified.LockExpiresAt != nil {
		t.Fatalf("expected lock cleared after payment")
	}
	again, err := h.service.VerifyPayment(ctx, reference)
	if err != nil {
		t.Fatalf("second verify: %v", err)
	}
	if again.Escrow.Status != booking.EscrowHeld || h.gateway.calls() != 1 {
		t.Fatalf("expected idempotent verification, gateway called %d times", h.gateway.calls())
	}
	student := h.wallet(t, testStudentID)
	if student.TotalDeposited != 50000 || student.Escrow != 50000 || student.Available != 0 {
		t.Fatalf("unexpected student wallet %+v", student)
	}
	transactions, err := h.escrow.Transactions(ctx, testStudentID, time.Time{}, 10)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(transactions) != 2 {
		t.Fatalf("expected deposit and hold entries, got %d", len(transactions))
	}
	if h.notifier.count(booking.NotificationPaymentReceived) != 1 {
		t.Fatalf("expected one payment notification")
	}

	// Paid bookings outlive the checkout lock.
	h.clock.Advance(time.Hour)
	if removed, err := h.slots.SweepExpiredLocks(ctx); err != nil || removed != 0 {
		t.Fatalf("expected paid booking to survive sweep, got %d (%v)", removed, err)
	}
}

func TestVerifyPaymentGatewayFailureKeepsPending(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	slot := h.publishSlot(t, "2026-03-10", "09:00", "10:00")
	requested, err := h.service.CreateRequest(ctx, booking.BookingRequest{StudentID: testStudentID, SlotID: slot.ID})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	initialized, err := h.service.InitializePayment(ctx, requested.ID, testStudentID, "")
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	h.gateway.verifyErr = errors.New("timeout")
	_, err = h.service.VerifyPayment(ctx, initialized.Payment.Reference)
	expectError(t, err, booking.ErrUpstreamFailure)
	if current := h.load(t, requested.ID); current.Payment.Status != booking.PaymentPending {
		t.Fatalf("expected payment to stay pending, got %s", current.Payment.Status)
	}
}

func TestVerifyPaymentRecordsGatewayFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	slot := h.publishSlot(t, "2026-03-10", "09:00", "10:00")
	requested, err := h.service.CreateRequest(ctx, booking.BookingRequest{StudentID: testStudentID, SlotID: slot.ID})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	initialized, err := h.service.InitializePayment(ctx, requested.ID, testStudentID, "")
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	h.gateway.verifyStatus = booking.GatewayStatusFailed
	failed, err := h.service.VerifyPayment(ctx, initialized.Payment.Reference)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if failed.Payment.Status != booking.PaymentFailed || failed.Escrow.Status != booking.EscrowNone {
		t.Fatalf("unexpected booking %s/%s", failed.Payment.Status, failed.Escrow.Status)
	}
	if wallet := h.wallet(t, testStudentID); wallet.TotalDeposited != 0 {
		t.Fatalf("expected no deposit for failed payment")
	}
}

func TestInitializePaymentUpstreamError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	slot := h.publishSlot(t, "2026-03-10", "09:00", "10:00")
	requested, err := h.service.CreateRequest(ctx, booking.BookingRequest{StudentID: testStudentID, SlotID: slot.ID})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	h.gateway.initErr = errors.New("gateway unavailable")
	_, err = h.service.InitializePayment(ctx, requested.ID, testStudentID, "")
	expectError(t, err, booking.ErrUpstreamFailure)
	if current := h.load(t, requested.ID); current.Payment.Status != booking.PaymentUnpaid {
		t.Fatalf("expected payment untouched, got %s", current.Payment.Status)
	}
}

func TestHandleWebhook(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	slot := h.publishSlot(t, "2026-03-10", "09:00", "10:00")
	requested, err := h.service.CreateRequest(ctx, booking.BookingRequest{StudentID: testStudentID, SlotID: slot.ID})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	initialized, err := h.service.InitializePayment(ctx, requested.ID, testStudentID, "")
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	payload := []byte(initialized.Payment.Reference)

	_, err = h.service.HandleWebhook(ctx, payload, "forged")
	expectError(t, err, booking.ErrInvalidSignature)
	if current := h.load(t, requested.ID); current.Payment.Status != booking.PaymentPending {
		t.Fatalf("forged webhook changed payment to %s", current.Payment.Status)
	}
	for attempt := 0; attempt < 2; attempt++ {
		paid, err := h.service.HandleWebhook(ctx, payload, "valid")
		if err != nil {
			t.Fatalf("webhook attempt %d: %v", attempt, err)
		}
		if paid.Escrow.Status != booking.EscrowHeld {
			t.Fatalf("attempt %d: expected escrow held, got %s", attempt, paid.Escrow.Status)
		}
	}
	if wallet := h.wallet(t, testStudentID); wallet.Escrow != 50000 || wallet.TotalDeposited != 50000 {
		t.Fatalf("redelivered webhook double counted: %+v", wallet)
	}
}

func TestPayFromWalletNeedsFunds(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	slot := h.publishSlot(t, "2026-03-10", "09:00", "10:00")
	requested, err := h.service.CreateRequest(ctx, booking.BookingRequest{StudentID: testStudentID, SlotID: slot.ID})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := h.escrow.Deposit(ctx, testStudentID, 100, "small"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	_, err = h.service.PayFromWallet(ctx, requested.ID, testStudentID)
	expectError(t, err, booking.ErrInsufficientBalance)
	current := h.load(t, requested.ID)
	if current.Payment.Status != booking.PaymentUnpaid || current.Escrow.Status != booking.EscrowNone {
		t.Fatalf("expected rollback, got %s/%s", current.Payment.Status, current.Escrow.Status)
	}
	if wallet := h.wallet(t, testStudentID); wallet.Available != 100 {
		t.Fatalf("expected wallet untouched, got %+v", wallet)
	}
}

func TestPayAfterLockExpiryFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	slot := h.publishSlot(t, "2026-03-10", "09:00", "10:00")
	requested, err := h.service.CreateRequest(ctx, booking.BookingRequest{StudentID: testStudentID, SlotID: slot.ID})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := h.escrow.Deposit(ctx, testStudentID, requested.TotalAmount, "topup"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	h.clock.Advance(11 * time.Minute)
	_, err = h.service.PayFromWallet(ctx, requested.ID, testStudentID)
	expectError(t, err, booking.ErrInvalidTransition)
}

func TestLateGatewayPaymentAfterLockExpiryIsCredited(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	slot := h.publishSlot(t, "2026-03-10", "09:00", "10:00")
	requested, err := h.service.CreateRequest(ctx, booking.BookingRequest{StudentID: testStudentID, SlotID: slot.ID})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	initialized, err := h.service.InitializePayment(ctx, requested.ID, testStudentID, "student@example.com")
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}

	h.clock.Advance(11 * time.Minute)
	removed, err := h.slots.SweepExpiredLocks(ctx)
	if err != nil || removed != 1 {
		t.Fatalf("expected one expired lock, got %d (%v)", removed, err)
	}
	expired := h.load(t, requested.ID)
	if expired.Status != booking.StatusCancelled || expired.LockExpiresAt != nil || expired.Payment.Status != booking.PaymentPending {
		t.Fatalf("unexpected expired booking %s lock=%v payment=%s", expired.Status, expired.LockExpiresAt, expired.Payment.Status)
	}
	views, err := h.slots.ListAvailability(ctx, testTutorID, mustDate(t, "2026-03-10"))
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	if len(views) != 1 || !views[0].Bookable {
		t.Fatalf("expected the slot to be bookable again, got %+v", views)
	}

	verified, err := h.service.VerifyPayment(ctx, initialized.Payment.Reference)
	if err != nil {
		t.Fatalf("verify after expiry: %v", err)
	}
	if verified.Payment.Status != booking.PaymentRefunded || verified.Escrow.Status != booking.EscrowNone {
		t.Fatalf("unexpected payment %s escrow %s", verified.Payment.Status, verified.Escrow.Status)
	}
	student := h.wallet(t, testStudentID)
	if student.TotalDeposited != requested.TotalAmount || student.Available != requested.TotalAmount || student.Escrow != 0 {
		t.Fatalf("expected the payment in the student wallet, got %+v", student)
	}
}

func TestWalletOperations(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.escrow.Deposit(ctx, testStudentID, 0, "zero"); !errors.Is(err, booking.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := h.escrow.Deposit(ctx, testStudentID, 1000, "first"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	_, err := h.escrow.Withdraw(ctx, testStudentID, 1500, "too much")
	expectError(t, err, booking.ErrInsufficientBalance)
	wallet, err := h.escrow.Withdraw(ctx, testStudentID, 400, "payout")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if wallet.Available != 600 || wallet.TotalWithdrawn != 400 {
		t.Fatalf("unexpected wallet %+v", wallet)
	}
	if _, err := h.escrow.SetFrozen(ctx, testStudentID, true); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	_, err = h.escrow.Deposit(ctx, testStudentID, 1000, "blocked")
	expectError(t, err, booking.ErrWalletFrozen)
	if _, err := h.escrow.SetFrozen(ctx, testStudentID, false); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}

	transactions, err := h.escrow.Transactions(ctx, testStudentID, time.Time{}, 0)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(transactions) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(transactions))
	}
	withdrawal := transactions[0]
	if withdrawal.Type != booking.TransactionWithdrawal || withdrawal.BalanceBefore != 1000 || withdrawal.BalanceAfter != 600 {
		t.Fatalf("unexpected newest transaction %+v", withdrawal)
	}
}
