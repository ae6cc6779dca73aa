package booking

import (
	"context"
	"time"
)

// Store is the persistence contract used by the booking engine.
// Every mutation that must be atomic runs inside WithTx; the txStore handed to fn
// sees and writes the same transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	CreateSlot(ctx context.Context, slot Slot) error
	GetSlot(ctx context.Context, slotID string) (Slot, error)
	ListSlots(ctx context.Context, tutorID string, date CalendarDate) ([]Slot, error)
	UpdateSlot(ctx context.Context, slot Slot) error
	// AttachSlotBooking sets the slot's booking only if it carries none; otherwise ErrSlotConflict.
	AttachSlotBooking(ctx context.Context, slotID string, bookingID string) error
	// DetachSlotBooking clears the slot's booking only if it is bookingID.
	DetachSlotBooking(ctx context.Context, slotID string, bookingID string) error

	CreateBooking(ctx context.Context, booking Booking) error
	GetBooking(ctx context.Context, bookingID string) (Booking, error)
	GetBookingByPaymentReference(ctx context.Context, reference string) (Booking, error)
	UpdateBooking(ctx context.Context, booking Booking) error
	DeleteBooking(ctx context.Context, bookingID string) error
	// ListTutorBookings returns pending and confirmed bookings of a tutor on date.
	ListTutorBookings(ctx context.Context, tutorID string, date CalendarDate) ([]Booking, error)
	ListExpiredLocks(ctx context.Context, now time.Time) ([]Booking, error)
	ListDueReleases(ctx context.Context, now time.Time, limit int) ([]Booking, error)
	// ListConfirmedStartingBetween returns confirmed bookings whose session starts in (from, to].
	ListConfirmedStartingBetween(ctx context.Context, from time.Time, to time.Time) ([]Booking, error)
	ListCompletedSince(ctx context.Context, since time.Time) ([]Booking, error)
	// UpdateEscrowStatus is the compare-and-set serialisation point for settlement;
	// it fails with ErrEscrowStatusConflict when the stored status is not from.
	UpdateEscrowStatus(ctx context.Context, bookingID string, from EscrowStatus, to EscrowStatus) error

	// GetWallet returns the user's wallet, creating an empty one on first use.
	GetWallet(ctx context.Context, userID string) (Wallet, error)
	SaveWallet(ctx context.Context, wallet Wallet) error
	InsertTransaction(ctx context.Context, transaction Transaction) error
	ListTransactions(ctx context.Context, userID string, before time.Time, limit int) ([]Transaction, error)

	// MarkReminderSent records (bookingID, kind) and reports false if it already existed.
	MarkReminderSent(ctx context.Context, bookingID string, kind ReminderKind, at time.Time) (bool, error)
	// RecordPaymentEvent records a gateway event id and reports false if it was seen before.
	RecordPaymentEvent(ctx context.Context, eventID string, reference string, at time.Time) (bool, error)

	AddTutorRating(ctx context.Context, tutorID string, score int) error
	GetTutorRating(ctx context.Context, tutorID string) (TutorRating, error)
}

// RegionLocker provides mutual-exclusion regions keyed by an arbitrary string.
type RegionLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Clock returns the current instant.
type Clock func() time.Time
