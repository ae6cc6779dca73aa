package httpapi

import (
	"time"

	"github.com/MarkoPoloResearchLab/tutorbook/pkg/booking"
)

type createSlotRequest struct {
	Date              string `json:"date" binding:"required,calendar_date"`
	Start             string `json:"start" binding:"required,clock"`
	End               string `json:"end" binding:"required,clock"`
	PricePerHourCents int64  `json:"price_per_hour_cents" binding:"required,gt=0"`
}

type rangeRequest struct {
	Start string `json:"start" binding:"required,clock"`
	End   string `json:"end" binding:"required,clock"`
}

type recurringSlotsRequest struct {
	From              string         `json:"from" binding:"required,calendar_date"`
	Until             string         `json:"until" binding:"required,calendar_date"`
	Weekdays          []int          `json:"weekdays" binding:"required,min=1,dive,min=0,max=6"`
	Ranges            []rangeRequest `json:"ranges" binding:"required,min=1,dive"`
	PricePerHourCents int64          `json:"price_per_hour_cents" binding:"required,gt=0"`
}

func (request recurringSlotsRequest) toInput(tutorID string) (booking.RecurringSlotInput, error) {
	from, err := booking.NewCalendarDate(request.From)
	if err != nil {
		return booking.RecurringSlotInput{}, err
	}
	until, err := booking.NewCalendarDate(request.Until)
	if err != nil {
		return booking.RecurringSlotInput{}, err
	}
	weekdays := make([]time.Weekday, 0, len(request.Weekdays))
	for _, weekday := range request.Weekdays {
		weekdays = append(weekdays, time.Weekday(weekday))
	}
	ranges := make([]booking.TimeRange, 0, len(request.Ranges))
	for _, raw := range request.Ranges {
		timeRange, err := booking.ParseTimeRange(raw.Start, raw.End)
		if err != nil {
			return booking.RecurringSlotInput{}, err
		}
		ranges = append(ranges, timeRange)
	}
	return booking.RecurringSlotInput{
		TutorID:      tutorID,
		From:         from,
		Until:        until,
		Weekdays:     weekdays,
		Ranges:       ranges,
		PricePerHour: booking.AmountCents(request.PricePerHourCents),
	}, nil
}

type createBookingRequest struct {
	SlotID  string `json:"slot_id" binding:"required"`
	Subject string `json:"subject" binding:"max=120"`
	Notes   string `json:"notes" binding:"max=1000"`
}

type reasonRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

type rescheduleRequest struct {
	Date   string `json:"date" binding:"required,calendar_date"`
	Start  string `json:"start" binding:"required,clock"`
	End    string `json:"end" binding:"required,clock"`
	Reason string `json:"reason" binding:"max=500"`
}

type rescheduleResponseRequest struct {
	Accept *bool `json:"accept" binding:"required"`
}

type ratingRequest struct {
	Score   int    `json:"score" binding:"required,min=1,max=5"`
	Comment string `json:"comment" binding:"max=1000"`
}

type withdrawRequest struct {
	AmountCents int64  `json:"amount_cents" binding:"required,gt=0"`
	Reference   string `json:"reference" binding:"max=128"`
}

func parseDateRange(rawDate string, rawStart string, rawEnd string) (booking.CalendarDate, booking.TimeRange, error) {
	date, err := booking.NewCalendarDate(rawDate)
	if err != nil {
		return booking.CalendarDate{}, booking.TimeRange{}, err
	}
	timeRange, err := booking.ParseTimeRange(rawStart, rawEnd)
	if err != nil {
		return booking.CalendarDate{}, booking.TimeRange{}, err
	}
	return date, timeRange, nil
}

type slotPayload struct {
	ID                string              `json:"id"`
	TutorID           string              `json:"tutor_id"`
	Date              string              `json:"date"`
	Start             string              `json:"start"`
	End               string              `json:"end"`
	PricePerHourCents int64               `json:"price_per_hour_cents"`
	Available         bool                `json:"available"`
	Active            bool                `json:"active"`
	BookingID         string              `json:"booking_id,omitempty"`
	Recurrence        *booking.Recurrence `json:"recurrence,omitempty"`
}

func newSlotPayload(slot booking.Slot) slotPayload {
	return slotPayload{
		ID:                slot.ID,
		TutorID:           slot.TutorID,
		Date:              slot.Date.String(),
		Start:             slot.Range.Start.String(),
		End:               slot.Range.End.String(),
		PricePerHourCents: slot.PricePerHourCents.Int64(),
		Available:         slot.Available,
		Active:            slot.Active,
		BookingID:         slot.BookingID,
		Recurrence:        slot.Recurrence,
	}
}

type availabilityPayload struct {
	slotPayload
	Bookable bool `json:"bookable"`
}

type paymentPayload struct {
	Status      string     `json:"status"`
	Method      string     `json:"method,omitempty"`
	AmountCents int64      `json:"amount_cents"`
	Reference   string     `json:"reference,omitempty"`
	CheckoutURL string     `json:"checkout_url,omitempty"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
}

type escrowPayload struct {
	Status              string     `json:"status"`
	HeldAt              *time.Time `json:"held_at,omitempty"`
	ReleaseScheduledFor *time.Time `json:"release_scheduled_for,omitempty"`
	SettledAt           *time.Time `json:"settled_at,omitempty"`
	ReleasedCents       int64      `json:"released_cents"`
	RefundedCents       int64      `json:"refunded_cents"`
}

type cancellationPayload struct {
	CancelledBy       string    `json:"cancelled_by"`
	Reason            string    `json:"reason"`
	At                time.Time `json:"at"`
	RefundPercentage  int       `json:"refund_percentage"`
	RefundAmountCents int64     `json:"refund_amount_cents"`
	RefundReason      string    `json:"refund_reason"`
}

type reschedulePayload struct {
	ID          string     `json:"id"`
	RequestedBy string     `json:"requested_by"`
	Date        string     `json:"date"`
	Start       string     `json:"start"`
	End         string     `json:"end"`
	Reason      string     `json:"reason"`
	Status      string     `json:"status"`
	RespondedBy string     `json:"responded_by,omitempty"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

func newReschedulePayload(request booking.RescheduleRequest) reschedulePayload {
	return reschedulePayload{
		ID:          request.ID,
		RequestedBy: request.RequestedBy,
		Date:        request.Date.String(),
		Start:       request.Range.Start.String(),
		End:         request.Range.End.String(),
		Reason:      request.Reason,
		Status:      string(request.Status),
		RespondedBy: request.RespondedBy,
		RespondedAt: request.RespondedAt,
	}
}

type bookingPayload struct {
	ID                 string               `json:"id"`
	StudentID          string               `json:"student_id"`
	TutorID            string               `json:"tutor_id"`
	SlotID             string               `json:"slot_id"`
	Date               string               `json:"date"`
	Start              string               `json:"start"`
	End                string               `json:"end"`
	SessionStart       time.Time            `json:"session_start"`
	SessionEnd         time.Time            `json:"session_end"`
	Subject            string               `json:"subject,omitempty"`
	Status             string               `json:"status"`
	TotalAmountCents   int64                `json:"total_amount_cents"`
	TotalAmount        string               `json:"total_amount"`
	PlatformFeeCents   int64                `json:"platform_fee_cents"`
	TutorEarningsCents int64                `json:"tutor_earnings_cents"`
	LockExpiresAt      *time.Time           `json:"lock_expires_at,omitempty"`
	Payment            paymentPayload       `json:"payment"`
	Escrow             escrowPayload        `json:"escrow"`
	SessionActive      bool                 `json:"session_active"`
	Cancellation       *cancellationPayload `json:"cancellation,omitempty"`
	RescheduleRequests []reschedulePayload  `json:"reschedule_requests"`
	IsRescheduled      bool                 `json:"is_rescheduled"`
	StudentRating      *booking.Rating      `json:"student_rating,omitempty"`
}

func newBookingPayload(current booking.Booking) bookingPayload {
	payload := bookingPayload{
		ID:                 current.ID,
		StudentID:          current.StudentID,
		TutorID:            current.TutorID,
		SlotID:             current.SlotID,
		Date:               current.Date.String(),
		Start:              current.Range.Start.String(),
		End:                current.Range.End.String(),
		SessionStart:       current.SessionStart,
		SessionEnd:         current.SessionEnd,
		Subject:            current.Subject,
		Status:             string(current.Status),
		TotalAmountCents:   current.TotalAmount.Int64(),
		TotalAmount:        current.TotalAmount.String(),
		PlatformFeeCents:   current.PlatformFee.Int64(),
		TutorEarningsCents: current.TutorEarnings.Int64(),
		LockExpiresAt:      current.LockExpiresAt,
		Payment: paymentPayload{
			Status:      string(current.Payment.Status),
			Method:      string(current.Payment.Method),
			AmountCents: current.Payment.Amount.Int64(),
			Reference:   current.Payment.Reference,
			CheckoutURL: current.Payment.CheckoutURL,
			PaidAt:      current.Payment.PaidAt,
		},
		Escrow: escrowPayload{
			Status:              string(current.Escrow.Status),
			HeldAt:              current.Escrow.HeldAt,
			ReleaseScheduledFor: current.Escrow.ReleaseScheduledFor,
			SettledAt:           current.Escrow.SettledAt,
			ReleasedCents:       current.Escrow.ReleasedAmount.Int64(),
			RefundedCents:       current.Escrow.RefundedAmount.Int64(),
		},
		SessionActive:      current.Session.IsActive,
		RescheduleRequests: make([]reschedulePayload, 0, len(current.RescheduleRequests)),
		IsRescheduled:      current.IsRescheduled,
		StudentRating:      current.StudentRating,
	}
	if current.Cancellation != nil {
		payload.Cancellation = &cancellationPayload{
			CancelledBy:       current.Cancellation.CancelledBy,
			Reason:            current.Cancellation.Reason,
			At:                current.Cancellation.At,
			RefundPercentage:  current.Cancellation.RefundPercentage,
			RefundAmountCents: current.Cancellation.RefundAmount.Int64(),
			RefundReason:      current.Cancellation.RefundReason,
		}
	}
	for _, request := range current.RescheduleRequests {
		payload.RescheduleRequests = append(payload.RescheduleRequests, newReschedulePayload(request))
	}
	return payload
}

type walletPayload struct {
	UserID         string `json:"user_id"`
	AvailableCents int64  `json:"available_cents"`
	EscrowCents    int64  `json:"escrow_cents"`
	Available      string `json:"available"`
	TotalDeposited int64  `json:"total_deposited_cents"`
	TotalSpent     int64  `json:"total_spent_cents"`
	TotalWithdrawn int64  `json:"total_withdrawn_cents"`
	TotalRefunded  int64  `json:"total_refunded_cents"`
	TotalEarned    int64  `json:"total_earned_cents"`
	Frozen         bool   `json:"frozen"`
}

func newWalletPayload(wallet booking.Wallet) walletPayload {
	return walletPayload{
		UserID:         wallet.UserID,
		AvailableCents: wallet.Available.Int64(),
		EscrowCents:    wallet.Escrow.Int64(),
		Available:      wallet.Available.String(),
		TotalDeposited: wallet.TotalDeposited.Int64(),
		TotalSpent:     wallet.TotalSpent.Int64(),
		TotalWithdrawn: wallet.TotalWithdrawn.Int64(),
		TotalRefunded:  wallet.TotalRefunded.Int64(),
		TotalEarned:    wallet.TotalEarned.Int64(),
		Frozen:         wallet.Frozen,
	}
}

type transactionPayload struct {
	ID             string    `json:"id"`
	BookingID      string    `json:"booking_id,omitempty"`
	Type           string    `json:"type"`
	AmountCents    int64     `json:"amount_cents"`
	FeeCents       int64     `json:"fee_cents"`
	NetAmountCents int64     `json:"net_amount_cents"`
	BalanceAfter   int64     `json:"balance_after_cents"`
	EscrowAfter    int64     `json:"escrow_after_cents"`
	Reference      string    `json:"reference,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func newTransactionPayload(transaction booking.Transaction) transactionPayload {
	return transactionPayload{
		ID:             transaction.ID,
		BookingID:      transaction.BookingID,
		Type:           string(transaction.Type),
		AmountCents:    transaction.Amount.Int64(),
		FeeCents:       transaction.Fee.Int64(),
		NetAmountCents: transaction.NetAmount.Int64(),
		BalanceAfter:   transaction.BalanceAfter.Int64(),
		EscrowAfter:    transaction.EscrowAfter.Int64(),
		Reference:      transaction.Reference,
		CreatedAt:      transaction.CreatedAt,
	}
}
