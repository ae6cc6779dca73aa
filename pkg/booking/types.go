package booking

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	calendarDateLayout = "2006-01-02"
	minutesPerDay      = 24 * 60
	minutesPerHour     = 60
)

// AmountCents is an integer currency amount with two implied decimal places.
type AmountCents int64

// Int64 returns the raw cents value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// String renders the amount as a fixed-point decimal.
func (amount AmountCents) String() string {
	sign := ""
	value := int64(amount)
	if value < 0 {
		sign = "-"
		value = -value
	}
	return fmt.Sprintf("%s%d.%02d", sign, value/100, value%100)
}

// NewPositiveAmount validates that raw is strictly positive.
func NewPositiveAmount(raw int64) (AmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: amount must be greater than zero", ErrValidation)
	}
	return AmountCents(raw), nil
}

// CalendarDate is a day on the tutor's calendar.
type CalendarDate struct {
	value string
}

// NewCalendarDate parses a YYYY-MM-DD date.
func NewCalendarDate(raw string) (CalendarDate, error) {
	trimmed := strings.TrimSpace(raw)
	parsed, err := time.Parse(calendarDateLayout, trimmed)
	if err != nil {
		return CalendarDate{}, fmt.Errorf("%w: invalid date %q", ErrValidation, raw)
	}
	return CalendarDate{value: parsed.Format(calendarDateLayout)}, nil
}

// CalendarDateOf returns the calendar date of instant in location.
func CalendarDateOf(instant time.Time, location *time.Location) CalendarDate {
	return CalendarDate{value: instant.In(location).Format(calendarDateLayout)}
}

// String returns the YYYY-MM-DD form.
func (date CalendarDate) String() string {
	return date.value
}

// IsZero reports whether the date was never set.
func (date CalendarDate) IsZero() bool {
	return date.value == ""
}

// At returns the instant minute minutes after midnight of date in location.
func (date CalendarDate) At(minute ClockMinute, location *time.Location) time.Time {
	day, err := time.ParseInLocation(calendarDateLayout, date.value, location)
	if err != nil {
		return time.Time{}
	}
	return day.Add(time.Duration(minute) * time.Minute)
}

// AddDays shifts the date by days.
func (date CalendarDate) AddDays(days int) CalendarDate {
	day, err := time.Parse(calendarDateLayout, date.value)
	if err != nil {
		return date
	}
	return CalendarDate{value: day.AddDate(0, 0, days).Format(calendarDateLayout)}
}

// Weekday returns the day of week of date.
func (date CalendarDate) Weekday() time.Weekday {
	day, err := time.Parse(calendarDateLayout, date.value)
	if err != nil {
		return time.Sunday
	}
	return day.Weekday()
}

// MarshalJSON encodes the date as a string.
func (date CalendarDate) MarshalJSON() ([]byte, error) {
	return json.Marshal(date.value)
}

// UnmarshalJSON decodes a YYYY-MM-DD string.
func (date *CalendarDate) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == "" {
		*date = CalendarDate{}
		return nil
	}
	parsed, err := NewCalendarDate(raw)
	if err != nil {
		return err
	}
	*date = parsed
	return nil
}

// ClockMinute is a minute-resolution time of day, counted from midnight.
type ClockMinute int

// ParseClockMinute parses an HH:MM time of day.
func ParseClockMinute(raw string) (ClockMinute, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("%w: invalid time %q", ErrValidation, raw)
	}
	hours, hoursErr := strconv.Atoi(parts[0])
	minutes, minutesErr := strconv.Atoi(parts[1])
	if hoursErr != nil || minutesErr != nil || hours < 0 || hours > 24 || minutes < 0 || minutes >= minutesPerHour {
		return 0, fmt.Errorf("%w: invalid time %q", ErrValidation, raw)
	}
	value := hours*minutesPerHour + minutes
	if value > minutesPerDay {
		return 0, fmt.Errorf("%w: invalid time %q", ErrValidation, raw)
	}
	return ClockMinute(value), nil
}

// String renders HH:MM.
func (minute ClockMinute) String() string {
	return fmt.Sprintf("%02d:%02d", int(minute)/minutesPerHour, int(minute)%minutesPerHour)
}

// TimeRange is a half-open [Start, End) interval within one day.
type TimeRange struct {
	Start ClockMinute `json:"start"`
	End   ClockMinute `json:"end"`
}

// NewTimeRange validates that start precedes end.
func NewTimeRange(start ClockMinute, end ClockMinute) (TimeRange, error) {
	if start < 0 || end > minutesPerDay {
		return TimeRange{}, fmt.Errorf("%w: time range outside of day", ErrValidation)
	}
	if end <= start {
		return TimeRange{}, fmt.Errorf("%w: duration must be positive", ErrValidation)
	}
	return TimeRange{Start: start, End: end}, nil
}

// ParseTimeRange parses HH:MM start and end values.
func ParseTimeRange(rawStart string, rawEnd string) (TimeRange, error) {
	start, err := ParseClockMinute(rawStart)
	if err != nil {
		return TimeRange{}, err
	}
	end, err := ParseClockMinute(rawEnd)
	if err != nil {
		return TimeRange{}, err
	}
	return NewTimeRange(start, end)
}

// Overlaps reports whether the two half-open ranges intersect.
func (timeRange TimeRange) Overlaps(other TimeRange) bool {
	return timeRange.Start < other.End && other.Start < timeRange.End
}

// DurationMinutes returns the length of the range.
func (timeRange TimeRange) DurationMinutes() int {
	return int(timeRange.End - timeRange.Start)
}

// String renders HH:MM-HH:MM.
func (timeRange TimeRange) String() string {
	return timeRange.Start.String() + "-" + timeRange.End.String()
}

// Status enumerates booking lifecycle states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusDeclined  Status = "declined"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusNoShow    Status = "no_show"
)

// ParseStatus validates a stored booking status.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusPending, StatusConfirmed, StatusDeclined, StatusCancelled, StatusCompleted, StatusNoShow:
		return Status(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown booking status %q", ErrValidation, raw)
	}
}

// EscrowStatus enumerates the escrow lifecycle: none -> held -> released|refunded.
type EscrowStatus string

const (
	EscrowNone     EscrowStatus = "none"
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// PaymentStatus is the single authoritative payment state of a booking.
type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// PaymentMethod names how a booking was funded.
type PaymentMethod string

const (
	PaymentMethodGateway PaymentMethod = "chapa"
	PaymentMethodWallet  PaymentMethod = "wallet"
)

// Recurrence describes how a slot series repeats.
type Recurrence struct {
	Pattern    string         `json:"pattern"`
	Weekdays   []time.Weekday `json:"weekdays"`
	Until      CalendarDate   `json:"until"`
	SeriesID   string         `json:"series_id"`
	Occurrence int            `json:"occurrence"`
}

// Slot is one bookable (tutor, date, time range) unit.
type Slot struct {
	ID                string
	TutorID           string
	Date              CalendarDate
	Range             TimeRange
	PricePerHourCents AmountCents
	Available         bool
	Recurrence        *Recurrence
	BookingID         string
	Active            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CanBeBooked reports whether the slot is open for a new request at now.
func (slot Slot) CanBeBooked(now time.Time, location *time.Location) bool {
	if !slot.Active || !slot.Available || slot.BookingID != "" {
		return false
	}
	return slot.Date.At(slot.Range.Start, location).After(now)
}

// Payment is the payment sub-record of a booking.
type Payment struct {
	Status      PaymentStatus
	Method      PaymentMethod
	Amount      AmountCents
	Reference   string
	CheckoutURL string
	PaidAt      *time.Time
	HeldAt      *time.Time
	ReleasedAt  *time.Time
}

// Escrow is the escrow sub-record of a booking.
type Escrow struct {
	Status              EscrowStatus
	HeldAt              *time.Time
	ReleaseScheduledFor *time.Time
	SettledAt           *time.Time
	ReleasedAmount      AmountCents
	RefundedAmount      AmountCents
}

// Session tracks the live session of a confirmed booking.
type Session struct {
	Channel               string
	IsActive              bool
	StartedAt             *time.Time
	EndedAt               *time.Time
	ActualDurationMinutes int
}

// Cancellation records who cancelled and what the refund policy decided.
type Cancellation struct {
	CancelledBy      string
	Reason           string
	At               time.Time
	RefundPercentage int
	RefundAmount     AmountCents
	RefundReason     string
}

// RescheduleStatus enumerates reschedule request states.
type RescheduleStatus string

const (
	ReschedulePending  RescheduleStatus = "pending"
	RescheduleAccepted RescheduleStatus = "accepted"
	RescheduleRejected RescheduleStatus = "rejected"
)

// RescheduleRequest is a proposed new date and time for a booking.
type RescheduleRequest struct {
	ID          string           `json:"id"`
	RequestedBy string           `json:"requested_by"`
	Date        CalendarDate     `json:"date"`
	Range       TimeRange        `json:"range"`
	Reason      string           `json:"reason"`
	Status      RescheduleStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	RespondedBy string           `json:"responded_by,omitempty"`
	RespondedAt *time.Time       `json:"responded_at,omitempty"`
}

// Rating is a score left by one participant.
type Rating struct {
	Score     int       `json:"score"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
}

// Booking is one student-tutor session agreement.
type Booking struct {
	ID                 string
	StudentID          string
	TutorID            string
	SlotID             string
	Date               CalendarDate
	Range              TimeRange
	SessionStart       time.Time
	SessionEnd         time.Time
	Subject            string
	Notes              string
	TotalAmount        AmountCents
	PlatformFee        AmountCents
	TutorEarnings      AmountCents
	Status             Status
	LockExpiresAt      *time.Time
	MeetingReference   string
	Payment            Payment
	Escrow             Escrow
	Session            Session
	Cancellation       *Cancellation
	RescheduleRequests []RescheduleRequest
	IsRescheduled      bool
	StudentRating      *Rating
	TutorRating        *Rating
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsParticipant reports whether userID is the student or the tutor.
func (booking Booking) IsParticipant(userID string) bool {
	return userID != "" && (userID == booking.StudentID || userID == booking.TutorID)
}

// CanBeCancelled reports whether the booking may still be cancelled.
func (booking Booking) CanBeCancelled() bool {
	return booking.Status == StatusPending || booking.Status == StatusConfirmed
}

// CanBeRescheduled reports whether a reschedule may be requested at now.
func (booking Booking) CanBeRescheduled(now time.Time, minimumNotice time.Duration) bool {
	if !booking.CanBeCancelled() {
		return false
	}
	return booking.SessionStart.Sub(now) >= minimumNotice
}

// PendingReschedule returns the open reschedule request, if any.
func (booking Booking) PendingReschedule() (RescheduleRequest, bool) {
	for _, request := range booking.RescheduleRequests {
		if request.Status == ReschedulePending {
			return request, true
		}
	}
	return RescheduleRequest{}, false
}

// HoldsLock reports whether the booking is an unexpired checkout lock at now.
func (booking Booking) HoldsLock(now time.Time) bool {
	return booking.Status == StatusPending && booking.LockExpiresAt != nil && booking.LockExpiresAt.After(now)
}

// BlocksRange reports whether the booking occupies its time range at now.
// Confirmed bookings always do; pending ones while their lock is unexpired or
// after the lock was cleared by payment.
func (booking Booking) BlocksRange(now time.Time) bool {
	switch booking.Status {
	case StatusConfirmed:
		return true
	case StatusPending:
		return booking.LockExpiresAt == nil || booking.LockExpiresAt.After(now)
	default:
		return false
	}
}

// SlotLock is the checkout claim view of a pending booking.
type SlotLock struct {
	ID        string
	TutorID   string
	Date      CalendarDate
	Range     TimeRange
	HolderID  string
	ExpiresAt time.Time
}

// LockOf projects a pending booking to its lock view.
func LockOf(booking Booking) SlotLock {
	lock := SlotLock{
		ID:       booking.ID,
		TutorID:  booking.TutorID,
		Date:     booking.Date,
		Range:    booking.Range,
		HolderID: booking.StudentID,
	}
	if booking.LockExpiresAt != nil {
		lock.ExpiresAt = *booking.LockExpiresAt
	}
	return lock
}

// Wallet is a per-user balance ledger head.
type Wallet struct {
	UserID         string
	Available      AmountCents
	Escrow         AmountCents
	TotalDeposited AmountCents
	TotalSpent     AmountCents
	TotalWithdrawn AmountCents
	TotalRefunded  AmountCents
	TotalEarned    AmountCents
	Frozen         bool
	UpdatedAt      time.Time
}

// TransactionType enumerates wallet ledger entry kinds.
type TransactionType string

const (
	TransactionDeposit       TransactionType = "deposit"
	TransactionEscrowHold    TransactionType = "escrow_hold"
	TransactionPayment       TransactionType = "payment"
	TransactionEscrowRelease TransactionType = "escrow_release"
	TransactionRefund        TransactionType = "refund"
	TransactionWithdrawal    TransactionType = "withdrawal"
)

// Transaction is an immutable record of one wallet balance mutation.
type Transaction struct {
	ID            string
	UserID        string
	BookingID     string
	Type          TransactionType
	Amount        AmountCents
	Fee           AmountCents
	NetAmount     AmountCents
	BalanceBefore AmountCents
	BalanceAfter  AmountCents
	EscrowBefore  AmountCents
	EscrowAfter   AmountCents
	Reference     string
	MetadataJSON  string
	CreatedAt     time.Time
}

// ReminderKind names a time-based notification guarded by an idempotency marker.
type ReminderKind string

const (
	Reminder24Hours     ReminderKind = "reminder_24h"
	Reminder1Hour       ReminderKind = "reminder_1h"
	Reminder15Minutes   ReminderKind = "reminder_15m"
	ReminderRateSession ReminderKind = "rating_request"
)

// TutorRating is the aggregate of student ratings for a tutor.
type TutorRating struct {
	TutorID string
	Count   int
	Sum     int
}

// Average returns the mean score, zero when unrated.
func (rating TutorRating) Average() float64 {
	if rating.Count == 0 {
		return 0
	}
	return float64(rating.Sum) / float64(rating.Count)
}
