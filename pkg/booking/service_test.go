package booking_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/tutorbook/pkg/booking"
)

var sessionStart = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func TestCompletedSessionReleasesEscrowOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	slot := h.publishSlot(t, "2026-03-10", "09:00", "10:00")
	confirmed := h.paidBooking(t, testStudentID, slot)
	if confirmed.Status != booking.StatusConfirmed || confirmed.Escrow.Status != booking.EscrowHeld {
		t.Fatalf("expected confirmed held booking, got %s/%s", confirmed.Status, confirmed.Escrow.Status)
	}
	if confirmed.LockExpiresAt != nil {
		t.Fatalf("expected lock to be cleared once paid")
	}
	if student := h.wallet(t, testStudentID); student.Available != 0 || student.Escrow != 50000 {
		t.Fatalf("unexpected student wallet after hold: %+v", student)
	}

	h.clock.Set(sessionStart)
	join, err := h.service.StartSession(ctx, confirmed.ID, testStudentID)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if join.Channel != "session_"+confirmed.ID || join.Token == "" {
		t.Fatalf("unexpected join %+v", join)
	}
	if join.ParticipantID != booking.ParticipantUID(testStudentID) {
		t.Fatalf("unexpected participant id %d", join.ParticipantID)
	}
	h.clock.Advance(time.Hour)
	completed, err := h.service.EndSession(ctx, confirmed.ID, testTutorID)
	if err != nil {
		t.Fatalf("end session: %v", err)
	}
	if completed.Status != booking.StatusCompleted || completed.Session.ActualDurationMinutes != 60 {
		t.Fatalf("unexpected completed booking %s (%d minutes)", completed.Status, completed.Session.ActualDurationMinutes)
	}

	due, err := h.escrow.DueReleases(ctx, 10)
	if err != nil || len(due) != 0 {
		t.Fatalf("expected no due releases yet, got %v (%v)", due, err)
	}
	h.clock.Advance(24 * time.Hour)
	due, err = h.escrow.DueReleases(ctx, 10)
	if err != nil || len(due) != 1 || due[0] != confirmed.ID {
		t.Fatalf("expected booking to be due, got %v (%v)", due, err)
	}
	if err := h.escrow.Release(ctx, confirmed.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	expectError(t, h.escrow.Release(ctx, confirmed.ID), booking.ErrAlreadyReleased)

	tutor := h.wallet(t, testTutorID)
	if tutor.Available != 45000 || tutor.TotalEarned != 45000 {
		t.Fatalf("expected tutor to earn 45000, got %+v", tutor)
	}
	student := h.wallet(t, testStudentID)
	if student.Escrow != 0 || student.TotalSpent != 50000 {
		t.Fatalf("unexpected student wallet after release: %+v", student)
	}
	released := h.load(t, confirmed.ID)
	if released.Escrow.Status != booking.EscrowReleased || released.Escrow.ReleasedAmount != 45000 {
		t.Fatalf("unexpected escrow %+v", released.Escrow)
	}
	if statuses := h.logger.statuses("escrow_release"); len(statuses) != 2 || statuses[0] != "ok" || statuses[1] != "error" {
		t.Fatalf("unexpected release log statuses %v", statuses)
	}
	if h.notifier.count(booking.NotificationEscrowReleased) != 1 {
		t.Fatalf("expected one release notification")
	}
}

func TestStudentCancellationFollowsRefundPolicy(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name         string
		hoursOut     time.Duration
		wantRefund   booking.AmountCents
		wantEarnings booking.AmountCents
	}{
		{name: "seventy two hours out", hoursOut: 72 * time.Hour, wantRefund: 50000, wantEarnings: 0},
		{name: "thirty hours out", hoursOut: 30 * time.Hour, wantRefund: 25000, wantEarnings: 22500},
		{name: "twelve hours out", hoursOut: 12 * time.Hour, wantRefund: 0, wantEarnings: 45000},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			slot := h.publishSlot(t, "2026-03-10", "09:00", "10:00")
			confirmed := h.paidBooking(t, testStudentID, slot)
			h.clock.Set(sessionStart.Add(-tc.hoursOut))

			cancelled, err := h.service.Cancel(context.Background(), confirmed.ID, testStudentID, "plans changed")
			if err != nil {
				t.Fatalf("cancel: %v", err)
			}
			if cancelled.Status != booking.StatusCancelled || cancelled.Escrow.Status != booking.EscrowRefunded {
				t.Fatalf("unexpected booking %s/%s", cancelled.Status, cancelled.Escrow.Status)
			}
			if cancelled.Cancellation == nil || cancelled.Cancellation.RefundAmount != tc.wantRefund {
				t.Fatalf("expected refund %s, got %+v", tc.wantRefund, cancelled.Cancellation)
			}
			student := h.wallet(t, testStudentID)
			tutor := h.wallet(t, testTutorID)
			if student.Available != tc.wantRefund || student.Escrow != 0 {
				t.Fatalf("unexpected student wallet %+v", student)
			}
			if tutor.Available != tc.wantEarnings {
				t.Fatalf("expected tutor earnings %s, got %s", tc.wantEarnings, tutor.Available)
			}
			fee, _ := booking.DefaultFeePolicy().FeeFor(50000 - tc.wantRefund)
			if student.Available+tutor.Available+fee != 50000 {
				t.Fatalf("money not conserved: %s + %s + %s", student.Available, tutor.Available, fee)
			}
			reopened, err := h.store.GetSlot(context.Background(), slot.ID)
			if err != nil || !reopened.Available || reopened.BookingID != "" {
				t.Fatalf("expected slot to reopen, got %+v (%v)", reopened, err)
			}
		})
	}
}

func TestTutorCancellationRefundsInFull(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	slot := h.publishSlot(t, "2026-03-10", "09:00", "10:00")
	confirmed := h.paidBooking(t, testStudentID, slot)
	h.clock.Set(sessionStart.Add(-2 * time.Hour))

	cancelled, err := h.service.Cancel(context.Background(), confirmed.ID, testTutorID, "sick")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Cancellation.RefundPercentage != 100 {
		t.Fatalf("expected full refund, got %d%%", cancelled.Cancellation.RefundPercentage)
	}
	if student := h.wallet(t, testStudentID); student.Available != 50000 {
		t.Fatalf("expected student refunded in full, got %+v", student)
	}
	if h.notifier.count(booking.NotificationBookingCancelled) != 1 || h.notifier.count(booking.NotificationRefundIssued) != 1 {
		t.Fatalf("expected cancellation and refund notifications")
	}
	_, err = h.service.Cancel(context.Background(), confirmed.ID, testStudentID, "again")
	expectError(t, err, booking.ErrInvalidTransition)
}

func TestDeclineRefundsAndReopensSlot(t *testing.T) {
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
	if _, err := h.service.PayFromWallet(ctx, requested.ID, testStudentID); err != nil {
		t.Fatalf("pay: %v", err)
	}
	_, err = h.service.Decline(ctx, requested.ID, "other-tutor", "busy")
	expectError(t, err, booking.ErrUnauthorized)

	declined, err := h.service.Decline(ctx, requested.ID, testTutorID, "busy")
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if declined.Status != booking.StatusDeclined || declined.Escrow.RefundedAmount != requested.TotalAmount {
		t.Fatalf("unexpected declined booking %s refund %s", declined.Status, declined.Escrow.RefundedAmount)
	}
	if student := h.wallet(t, testStudentID); student.Available != requested.TotalAmount || student.Escrow != 0 {
		t.Fatalf("unexpected student wallet %+v", student)
	}
	_, err = h.service.Accept(ctx, requested.ID, testTutorID)
	expectError(t, err, booking.ErrInvalidTransition)

	if _, err := h.service.CreateRequest(ctx, booking.BookingRequest{StudentID: "student-2", SlotID: slot.ID}); err != nil {
		t.Fatalf("expected slot to be requestable again: %v", err)
	}
}

func TestAcceptRules(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	slot := h.publishSlot(t, "2026-03-10", "09:00", "10:00")
	requested, err := h.service.CreateRequest(ctx, booking.BookingRequest{StudentID: testStudentID, SlotID: slot.ID})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	_, err = h.service.Accept(ctx, requested.ID, testStudentID)
	expectError(t, err, booking.ErrUnauthorized)

	accepted, err := h.service.Accept(ctx, requested.ID, testTutorID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.MeetingReference != "session_"+requested.ID {
		t.Fatalf("unexpected meeting reference %q", accepted.MeetingReference)
	}
	_, err = h.service.Accept(ctx, requested.ID, testTutorID)
	expectError(t, err, booking.ErrAlreadyProcessed)
}

func TestAcceptAfterLockExpiryFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	slot := h.publishSlot(t, "2026-03-10", "09:00", "10:00")
	requested, err := h.service.CreateRequest(ctx, booking.BookingRequest{StudentID: testStudentID, SlotID: slot.ID})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	h.clock.Advance(11 * time.Minute)
	_, err = h.service.Accept(ctx, requested.ID, testTutorID)
	expectError(t, err, booking.ErrInvalidTransition)
}

func TestSessionJoinWindow(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	slot := h.publishSlot(t, "2026-03-10", "09:00", "10:00")
	confirmed := h.paidBooking(t, testStudentID, slot)

	h.clock.Set(sessionStart.Add(-25 * time.Hour))
	_, err := h.service.StartSession(ctx, confirmed.ID, testStudentID)
	expectError(t, err, booking.ErrInvalidTransition)

	h.clock.Set(sessionStart.Add(-10 * time.Minute))
	_, err = h.service.StartSession(ctx, confirmed.ID, "stranger")
	expectError(t, err, booking.ErrUnauthorized)
	if _, err := h.service.StartSession(ctx, confirmed.ID, testTutorID); err != nil {
		t.Fatalf("tutor join: %v", err)
	}
	if _, err := h.service.StartSession(ctx, confirmed.ID, testStudentID); err != nil {
		t.Fatalf("student join: %v", err)
	}
	if h.notifier.count(booking.NotificationSessionStarted) != 1 {
		t.Fatalf("expected a single session started notification")
	}
	started := h.load(t, confirmed.ID)
	if !started.Session.IsActive || started.Session.StartedAt == nil || !started.Session.StartedAt.Equal(sessionStart.Add(-10*time.Minute)) {
		t.Fatalf("unexpected session %+v", started.Session)
	}

	h.clock.Set(sessionStart.Add(25 * time.Hour))
	_, err = h.service.StartSession(ctx, confirmed.ID, testStudentID)
	expectError(t, err, booking.ErrInvalidTransition)
}

func TestStartSessionTokenFailureLeavesSessionInactive(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	slot := h.publishSlot(t, "2026-03-10", "09:00", "10:00")
	confirmed := h.paidBooking(t, testStudentID, slot)
	policy := booking.DefaultPolicy()
	failing, err := booking.NewService(booking.Dependencies{
		Store:  h.store,
		Clock:  h.clock.Now,
		Policy: policy,
		Slots:  h.slots,
		Escrow: h.escrow,
		Tokens: stubTokens{err: errors.New("provider down")},
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	h.clock.Set(sessionStart)
	_, err = failing.StartSession(ctx, confirmed.ID, testStudentID)
	expectError(t, err, booking.ErrUpstreamFailure)
	if h.load(t, confirmed.ID).Session.IsActive {
		t.Fatalf("expected session to stay inactive")
	}
}

func TestEndSessionRequiresActiveSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	slot := h.publishSlot(t, "2026-03-10", "09:00", "10:00")
	confirmed := h.paidBooking(t, testStudentID, slot)
	_, err := h.service.EndSession(ctx, confirmed.ID, testStudentID)
	expectError(t, err, booking.ErrInvalidTransition)

	h.clock.Set(sessionStart)
	if _, err := h.service.StartSession(ctx, confirmed.ID, testStudentID); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err = h.service.EndSession(ctx, confirmed.ID, "stranger")
	expectError(t, err, booking.ErrUnauthorized)
	if _, err := h.service.EndSession(ctx, confirmed.ID, testStudentID); err != nil {
		t.Fatalf("end: %v", err)
	}
	_, err = h.service.EndSession(ctx, confirmed.ID, testStudentID)
	expectError(t, err, booking.ErrAlreadyProcessed)
	_, err = h.service.Cancel(ctx, confirmed.ID, testStudentID, "too late")
	expectError(t, err, booking.ErrInvalidTransition)
}

func TestMarkNoShowSchedulesRelease(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	slot := h.publishSlot(t, "2026-03-10", "09:00", "10:00")
	confirmed := h.paidBooking(t, testStudentID, slot)

	h.clock.Set(sessionStart.Add(30 * time.Minute))
	_, err := h.service.MarkNoShow(ctx, confirmed.ID, testTutorID)
	expectError(t, err, booking.ErrInvalidTransition)

	h.clock.Set(sessionStart.Add(time.Hour))
	_, err = h.service.MarkNoShow(ctx, confirmed.ID, testStudentID)
	expectError(t, err, booking.ErrUnauthorized)
	marked, err := h.service.MarkNoShow(ctx, confirmed.ID, testTutorID)
	if err != nil {
		t.Fatalf("no-show: %v", err)
	}
	if marked.Status != booking.StatusNoShow || marked.Escrow.ReleaseScheduledFor == nil {
		t.Fatalf("unexpected no-show booking %+v", marked)
	}
	h.clock.Advance(24 * time.Hour)
	if err := h.escrow.Release(ctx, confirmed.ID); err != nil {
		t.Fatalf("release after no-show: %v", err)
	}
}

func TestReleaseRequiresCompletedBooking(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	slot := h.publishSlot(t, "2026-03-10", "09:00", "10:00")
	confirmed := h.paidBooking(t, testStudentID, slot)
	expectError(t, h.escrow.Release(context.Background(), confirmed.ID), booking.ErrInvalidTransition)
	if wallet := h.wallet(t, testTutorID); wallet.Available != 0 {
		t.Fatalf("expected tutor unpaid, got %+v", wallet)
	}
}

func TestRescheduleMovesBookingAndFreesOldSlot(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	slot := h.publishSlot(t, "2026-03-10", "09:00", "10:00")
	confirmed := h.paidBooking(t, testStudentID, slot)

	proposal, err := h.service.RequestReschedule(ctx, booking.RescheduleInput{
		BookingID: confirmed.ID,
		ActorID:   testStudentID,
		Date:      mustDate(t, "2026-03-11"),
		Range:     mustRange(t, "14:00", "15:00"),
		Reason:    "exam",
	})
	if err != nil {
		t.Fatalf("request reschedule: %v", err)
	}
	_, err = h.service.RequestReschedule(ctx, booking.RescheduleInput{
		BookingID: confirmed.ID,
		ActorID:   testTutorID,
		Date:      mustDate(t, "2026-03-12"),
		Range:     mustRange(t, "14:00", "15:00"),
	})
	expectError(t, err, booking.ErrInvalidTransition)
	_, err = h.service.RespondToReschedule(ctx, confirmed.ID, proposal.ID, testStudentID, true)
	expectError(t, err, booking.ErrUnauthorized)

	moved, err := h.service.RespondToReschedule(ctx, confirmed.ID, proposal.ID, testTutorID, true)
	if err != nil {
		t.Fatalf("accept reschedule: %v", err)
	}
	if !moved.IsRescheduled || moved.Date.String() != "2026-03-11" || !moved.SessionStart.Equal(time.Date(2026, 3, 11, 14, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected rescheduled booking %+v", moved)
	}
	if moved.TotalAmount != confirmed.TotalAmount {
		t.Fatalf("expected price to be kept")
	}
	views, err := h.slots.ListAvailability(ctx, testTutorID, slot.Date)
	if err != nil || len(views) != 1 || !views[0].Bookable {
		t.Fatalf("expected old slot to reopen, got %+v (%v)", views, err)
	}
	_, err = h.service.RespondToReschedule(ctx, confirmed.ID, proposal.ID, testTutorID, false)
	expectError(t, err, booking.ErrAlreadyProcessed)
	if h.notifier.count(booking.NotificationRescheduleResponse) != 1 {
		t.Fatalf("expected one reschedule response notification")
	}
}

func TestRescheduleIntoTakenTimeConflicts(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	first := h.paidBooking(t, testStudentID, h.publishSlot(t, "2026-03-10", "09:00", "10:00"))
	h.paidBooking(t, "student-2", h.publishSlot(t, "2026-03-11", "14:30", "15:30"))

	proposal, err := h.service.RequestReschedule(ctx, booking.RescheduleInput{
		BookingID: first.ID,
		ActorID:   testTutorID,
		Date:      mustDate(t, "2026-03-11"),
		Range:     mustRange(t, "14:00", "15:00"),
	})
	if err != nil {
		t.Fatalf("request reschedule: %v", err)
	}
	_, err = h.service.RespondToReschedule(ctx, first.ID, proposal.ID, testStudentID, true)
	expectError(t, err, booking.ErrSlotConflict)
	if unchanged := h.load(t, first.ID); unchanged.IsRescheduled || unchanged.Date.String() != "2026-03-10" {
		t.Fatalf("expected booking unchanged, got %+v", unchanged)
	}
}

func TestRescheduleNeedsNotice(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	confirmed := h.paidBooking(t, testStudentID, h.publishSlot(t, "2026-03-10", "09:00", "10:00"))
	h.clock.Set(sessionStart.Add(-47 * time.Hour))
	_, err := h.service.RequestReschedule(context.Background(), booking.RescheduleInput{
		BookingID: confirmed.ID,
		ActorID:   testStudentID,
		Date:      mustDate(t, "2026-03-12"),
		Range:     mustRange(t, "09:00", "10:00"),
	})
	expectError(t, err, booking.ErrInvalidTransition)
}

func TestRatingsAreSingleUseAndAggregate(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	confirmed := h.paidBooking(t, testStudentID, h.publishSlot(t, "2026-03-10", "09:00", "10:00"))
	_, err := h.service.Rate(ctx, booking.RatingInput{BookingID: confirmed.ID, ActorID: testStudentID, Score: 5})
	expectError(t, err, booking.ErrInvalidTransition)

	h.clock.Set(sessionStart)
	if _, err := h.service.StartSession(ctx, confirmed.ID, testStudentID); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.clock.Advance(time.Hour)
	if _, err := h.service.EndSession(ctx, confirmed.ID, testStudentID); err != nil {
		t.Fatalf("end: %v", err)
	}
	_, err = h.service.Rate(ctx, booking.RatingInput{BookingID: confirmed.ID, ActorID: testStudentID, Score: 6})
	expectError(t, err, booking.ErrValidation)
	rated, err := h.service.Rate(ctx, booking.RatingInput{BookingID: confirmed.ID, ActorID: testStudentID, Score: 4, Comment: " great "})
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if rated.StudentRating == nil || rated.StudentRating.Comment != "great" {
		t.Fatalf("unexpected rating %+v", rated.StudentRating)
	}
	_, err = h.service.Rate(ctx, booking.RatingInput{BookingID: confirmed.ID, ActorID: testStudentID, Score: 3})
	expectError(t, err, booking.ErrAlreadyProcessed)
	if _, err := h.service.Rate(ctx, booking.RatingInput{BookingID: confirmed.ID, ActorID: testTutorID, Score: 5}); err != nil {
		t.Fatalf("tutor rate: %v", err)
	}
	aggregate, err := h.service.TutorRating(ctx, testTutorID)
	if err != nil {
		t.Fatalf("tutor rating: %v", err)
	}
	if aggregate.Count != 1 || aggregate.Average() != 4 {
		t.Fatalf("unexpected aggregate %+v", aggregate)
	}
}

func TestNotifierFailureDoesNotFailOperation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.notifier.err = errors.New("broker down")
	slot := h.publishSlot(t, "2026-03-10", "09:00", "10:00")
	if _, err := h.service.CreateRequest(context.Background(), booking.BookingRequest{StudentID: testStudentID, SlotID: slot.ID}); err != nil {
		t.Fatalf("request: %v", err)
	}
	statuses := h.logger.statuses("notify")
	if len(statuses) != 1 || statuses[0] != "error" {
		t.Fatalf("expected the notification failure to be logged, got %v", statuses)
	}
}

func TestGetHidesBookingFromStrangers(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	confirmed := h.paidBooking(t, testStudentID, h.publishSlot(t, "2026-03-10", "09:00", "10:00"))
	_, err := h.service.Get(context.Background(), confirmed.ID, "stranger")
	expectError(t, err, booking.ErrUnauthorized)
	loaded, err := h.service.Get(context.Background(), confirmed.ID, testTutorID)
	if err != nil || !strings.EqualFold(loaded.Subject, "algebra") {
		t.Fatalf("unexpected booking %+v (%v)", loaded, err)
	}
}
