package booking_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/tutorbook/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/tutorbook/pkg/booking"
)

const (
	testTutorID   = "tutor-1"
	testStudentID = "student-1"
)

const testPricePerHour booking.AmountCents = 50000

var testStart = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func (clock *fakeClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *fakeClock) Set(now time.Time) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now = now
}

func (clock *fakeClock) Advance(step time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now = clock.now.Add(step)
}

type stubGateway struct {
	mutex        sync.Mutex
	amounts      map[string]booking.AmountCents
	verifyStatus string
	initErr      error
	verifyErr    error
	verifyCalls  int
}

func newStubGateway() *stubGateway {
	return &stubGateway{amounts: map[string]booking.AmountCents{}, verifyStatus: booking.GatewayStatusSuccess}
}

func (gateway *stubGateway) InitializePayment(ctx context.Context, request booking.PaymentInitRequest) (string, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	if gateway.initErr != nil {
		return "", gateway.initErr
	}
	gateway.amounts[request.Reference] = request.Amount
	return "https://checkout.test/" + request.Reference, nil
}

func (gateway *stubGateway) VerifyPayment(ctx context.Context, reference string) (booking.PaymentVerification, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	gateway.verifyCalls++
	if gateway.verifyErr != nil {
		return booking.PaymentVerification{}, gateway.verifyErr
	}
	return booking.PaymentVerification{Reference: reference, Status: gateway.verifyStatus, Amount: gateway.amounts[reference]}, nil
}

func (gateway *stubGateway) ParseWebhook(payload []byte, signature string) (booking.PaymentWebhookEvent, error) {
	if signature != "valid" {
		return booking.PaymentWebhookEvent{}, booking.ErrInvalidSignature
	}
	reference := string(payload)
	return booking.PaymentWebhookEvent{EventID: "evt-" + reference, Reference: reference, Status: booking.GatewayStatusSuccess}, nil
}

func (gateway *stubGateway) calls() int {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	return gateway.verifyCalls
}

type stubTokens struct {
	err error
}

func (tokens stubTokens) IssueSessionToken(ctx context.Context, channelName string, participantID uint32, role string) (string, error) {
	if tokens.err != nil {
		return "", tokens.err
	}
	return "token-" + channelName, nil
}

type recordingNotifier struct {
	mutex         sync.Mutex
	notifications []booking.Notification
	err           error
}

func (notifier *recordingNotifier) Notify(ctx context.Context, notification booking.Notification) error {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	notifier.notifications = append(notifier.notifications, notification)
	return notifier.err
}

func (notifier *recordingNotifier) count(notificationType string) int {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	total := 0
	for _, notification := range notifier.notifications {
		if notification.Type == notificationType {
			total++
		}
	}
	return total
}

type recordingLogger struct {
	mutex   sync.Mutex
	entries []booking.OperationLog
}

func (logger *recordingLogger) LogOperation(ctx context.Context, entry booking.OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recordingLogger) statuses(operation string) []string {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	var statuses []string
	for _, entry := range logger.entries {
		if entry.Operation == operation {
			statuses = append(statuses, entry.Status)
		}
	}
	return statuses
}

type harness struct {
	store    *memstore.Store
	clock    *fakeClock
	slots    *booking.SlotManager
	escrow   *booking.EscrowLedger
	service  *booking.Service
	gateway  *stubGateway
	notifier *recordingNotifier
	logger   *recordingLogger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memstore.New()
	clock := &fakeClock{now: testStart}
	gateway := newStubGateway()
	notifier := &recordingNotifier{}
	logger := &recordingLogger{}
	policy := booking.DefaultPolicy()
	options := []booking.Option{booking.WithNotifier(notifier), booking.WithOperationLogger(logger)}
	slots, err := booking.NewSlotManager(store, clock.Now, policy, options...)
	if err != nil {
		t.Fatalf("slot manager: %v", err)
	}
	escrow, err := booking.NewEscrowLedger(store, clock.Now, policy.Fees, options...)
	if err != nil {
		t.Fatalf("escrow ledger: %v", err)
	}
	service, err := booking.NewService(booking.Dependencies{
		Store:   store,
		Clock:   clock.Now,
		Policy:  policy,
		Slots:   slots,
		Escrow:  escrow,
		Gateway: gateway,
		Tokens:  stubTokens{},
	}, options...)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return &harness{
		store:    store,
		clock:    clock,
		slots:    slots,
		escrow:   escrow,
		service:  service,
		gateway:  gateway,
		notifier: notifier,
		logger:   logger,
	}
}

func (h *harness) publishSlot(t *testing.T, date string, start string, end string) booking.Slot {
	t.Helper()
	slot, err := h.slots.CreateSlot(context.Background(), booking.SlotInput{
		TutorID:      testTutorID,
		Date:         mustDate(t, date),
		Range:        mustRange(t, start, end),
		PricePerHour: testPricePerHour,
	})
	if err != nil {
		t.Fatalf("create slot: %v", err)
	}
	return slot
}

// paidBooking requests slot for studentID, funds it from the wallet and has the tutor accept.
func (h *harness) paidBooking(t *testing.T, studentID string, slot booking.Slot) booking.Booking {
	t.Helper()
	ctx := context.Background()
	requested, err := h.service.CreateRequest(ctx, booking.BookingRequest{StudentID: studentID, SlotID: slot.ID, Subject: "algebra"})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if _, err := h.escrow.Deposit(ctx, studentID, requested.TotalAmount, "topup-"+requested.ID); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := h.service.PayFromWallet(ctx, requested.ID, studentID); err != nil {
		t.Fatalf("pay from wallet: %v", err)
	}
	accepted, err := h.service.Accept(ctx, requested.ID, testTutorID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return accepted
}

func (h *harness) wallet(t *testing.T, userID string) booking.Wallet {
	t.Helper()
	wallet, err := h.escrow.Wallet(context.Background(), userID)
	if err != nil {
		t.Fatalf("wallet %s: %v", userID, err)
	}
	return wallet
}

func (h *harness) load(t *testing.T, bookingID string) booking.Booking {
	t.Helper()
	current, err := h.store.GetBooking(context.Background(), bookingID)
	if err != nil {
		t.Fatalf("get booking: %v", err)
	}
	return current
}

func mustDate(t *testing.T, raw string) booking.CalendarDate {
	t.Helper()
	date, err := booking.NewCalendarDate(raw)
	if err != nil {
		t.Fatalf("date: %v", err)
	}
	return date
}

func mustRange(t *testing.T, start string, end string) booking.TimeRange {
	t.Helper()
	timeRange, err := booking.ParseTimeRange(start, end)
	if err != nil {
		t.Fatalf("time range: %v", err)
	}
	return timeRange
}

func expectError(t *testing.T, err error, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}
