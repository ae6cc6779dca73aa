// Package memstore implements booking.Store in process memory. Transactions are
// serialised through one mutex and applied to a copy of the state that replaces
// the original only when the callback succeeds.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/tutorbook/pkg/booking"
)

const (
	errorOperationStore   = "store"
	errorSubjectSlot      = "slot"
	errorSubjectBooking   = "booking"
	errorSubjectEscrow    = "escrow"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeUpdate       = "update"
	errorCodeUpdateStatus = "update_status"
	errorCodeAttach       = "attach"
)

type state struct {
	slots        map[string]booking.Slot
	bookings     map[string]booking.Booking
	wallets      map[string]booking.Wallet
	transactions []booking.Transaction
	reminders    map[string]time.Time
	events       map[string]string
	ratings      map[string]booking.TutorRating
}

func newState() *state {
	return &state{
		slots:     map[string]booking.Slot{},
		bookings:  map[string]booking.Booking{},
		wallets:   map[string]booking.Wallet{},
		reminders: map[string]time.Time{},
		events:    map[string]string{},
		ratings:   map[string]booking.TutorRating{},
	}
}

func (current *state) clone() *state {
	copied := newState()
	for key, slot := range current.slots {
		copied.slots[key] = copySlot(slot)
	}
	for key, stored := range current.bookings {
		copied.bookings[key] = copyBooking(stored)
	}
	for key, wallet := range current.wallets {
		copied.wallets[key] = wallet
	}
	copied.transactions = append([]booking.Transaction(nil), current.transactions...)
	for key, value := range current.reminders {
		copied.reminders[key] = value
	}
	for key, value := range current.events {
		copied.events[key] = value
	}
	for key, value := range current.ratings {
		copied.ratings[key] = value
	}
	return copied
}

// Store implements booking.Store in memory.
type Store struct {
	mutex *sync.Mutex
	data  *state
	root  *Store
	inTx  bool
}

// New returns an empty Store.
func New() *Store {
	store := &Store{mutex: &sync.Mutex{}, data: newState()}
	store.root = store
	return store
}

// WithTx runs fn against a private copy of the state and publishes it if fn succeeds.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore booking.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	working := &Store{mutex: store.mutex, data: store.root.data.clone(), root: store.root, inTx: true}
	if err := fn(ctx, working); err != nil {
		return err
	}
	store.root.data = working.data
	return nil
}

func (store *Store) view(fn func(current *state) error) error {
	if store.inTx {
		return fn(store.data)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return fn(store.root.data)
}

func (store *Store) CreateSlot(ctx context.Context, slot booking.Slot) error {
	return store.view(func(current *state) error {
		if _, exists := current.slots[slot.ID]; exists {
			return wrapStoreError(errorSubjectSlot, errorCodeDuplicate, fmt.Errorf("%w: slot %s exists", booking.ErrValidation, slot.ID))
		}
		current.slots[slot.ID] = copySlot(slot)
		return nil
	})
}

func (store *Store) GetSlot(ctx context.Context, slotID string) (booking.Slot, error) {
	var found booking.Slot
	err := store.view(func(current *state) error {
		slot, ok := current.slots[slotID]
		if !ok {
			return wrapStoreError(errorSubjectSlot, errorCodeGet, fmt.Errorf("%w: slot %s", booking.ErrNotFound, slotID))
		}
		found = copySlot(slot)
		return nil
	})
	return found, err
}

func (store *Store) ListSlots(ctx context.Context, tutorID string, date booking.CalendarDate) ([]booking.Slot, error) {
	var slots []booking.Slot
	err := store.view(func(current *state) error {
		for _, slot := range current.slots {
			if slot.TutorID == tutorID && slot.Date == date {
				slots = append(slots, copySlot(slot))
			}
		}
		return nil
	})
	sort.Slice(slots, func(left, right int) bool {
		return slots[left].Range.Start < slots[right].Range.Start
	})
	return slots, err
}

func (store *Store) UpdateSlot(ctx context.Context, slot booking.Slot) error {
	return store.view(func(current *state) error {
		if _, ok := current.slots[slot.ID]; !ok {
			return wrapStoreError(errorSubjectSlot, errorCodeUpdate, fmt.Errorf("%w: slot %s", booking.ErrNotFound, slot.ID))
		}
		current.slots[slot.ID] = copySlot(slot)
		return nil
	})
}

func (store *Store) AttachSlotBooking(ctx context.Context, slotID string, bookingID string) error {
	return store.view(func(current *state) error {
		slot, ok := current.slots[slotID]
		if !ok {
			return wrapStoreError(errorSubjectSlot, errorCodeAttach, fmt.Errorf("%w: slot %s", booking.ErrNotFound, slotID))
		}
		if slot.BookingID != "" || !slot.Available || !slot.Active {
			return wrapStoreError(errorSubjectSlot, errorCodeAttach, booking.ErrSlotConflict)
		}
		slot.BookingID = bookingID
		slot.Available = false
		current.slots[slotID] = slot
		return nil
	})
}

func (store *Store) DetachSlotBooking(ctx context.Context, slotID string, bookingID string) error {
	return store.view(func(current *state) error {
		slot, ok := current.slots[slotID]
		if !ok || slot.BookingID != bookingID {
			return nil
		}
		slot.BookingID = ""
		slot.Available = slot.Active
		current.slots[slotID] = slot
		return nil
	})
}

func (store *Store) CreateBooking(ctx context.Context, created booking.Booking) error {
	return store.view(func(current *state) error {
		if _, exists := current.bookings[created.ID]; exists {
			return wrapStoreError(errorSubjectBooking, errorCodeDuplicate, fmt.Errorf("%w: booking %s exists", booking.ErrValidation, created.ID))
		}
		current.bookings[created.ID] = copyBooking(created)
		return nil
	})
}

func (store *Store) GetBooking(ctx context.Context, bookingID string) (booking.Booking, error) {
	var found booking.Booking
	err := store.view(func(current *state) error {
		stored, ok := current.bookings[bookingID]
		if !ok {
			return wrapStoreError(errorSubjectBooking, errorCodeGet, fmt.Errorf("%w: booking %s", booking.ErrNotFound, bookingID))
		}
		found = copyBooking(stored)
		return nil
	})
	return found, err
}

func (store *Store) GetBookingByPaymentReference(ctx context.Context, reference string) (booking.Booking, error) {
	var found booking.Booking
	err := store.view(func(current *state) error {
		for _, stored := range current.bookings {
			if reference != "" && stored.Payment.Reference == reference {
				found = copyBooking(stored)
				return nil
			}
		}
		return wrapStoreError(errorSubjectBooking, errorCodeGet, fmt.Errorf("%w: payment reference %s", booking.ErrNotFound, reference))
	})
	return found, err
}

func (store *Store) UpdateBooking(ctx context.Context, updated booking.Booking) error {
	return store.view(func(current *state) error {
		if _, ok := current.bookings[updated.ID]; !ok {
			return wrapStoreError(errorSubjectBooking, errorCodeUpdate, fmt.Errorf("%w: booking %s", booking.ErrNotFound, updated.ID))
		}
		current.bookings[updated.ID] = copyBooking(updated)
		return nil
	})
}

func (store *Store) DeleteBooking(ctx context.Context, bookingID string) error {
	return store.view(func(current *state) error {
		delete(current.bookings, bookingID)
		return nil
	})
}

func (store *Store) ListTutorBookings(ctx context.Context, tutorID string, date booking.CalendarDate) ([]booking.Booking, error) {
	return store.filterBookings(func(candidate booking.Booking) bool {
		active := candidate.Status == booking.StatusPending || candidate.Status == booking.StatusConfirmed
		return active && candidate.TutorID == tutorID && candidate.Date == date
	}, bySessionStart)
}

func (store *Store) ListExpiredLocks(ctx context.Context, now time.Time) ([]booking.Booking, error) {
	return store.filterBookings(func(candidate booking.Booking) bool {
		return candidate.Status == booking.StatusPending && candidate.LockExpiresAt != nil && !candidate.LockExpiresAt.After(now)
	}, bySessionStart)
}

func (store *Store) ListDueReleases(ctx context.Context, now time.Time, limit int) ([]booking.Booking, error) {
	due, err := store.filterBookings(func(candidate booking.Booking) bool {
		settled := candidate.Status == booking.StatusCompleted || candidate.Status == booking.StatusNoShow
		scheduled := candidate.Escrow.ReleaseScheduledFor
		return settled && candidate.Escrow.Status == booking.EscrowHeld && scheduled != nil && !scheduled.After(now)
	}, func(left, right booking.Booking) bool {
		return left.Escrow.ReleaseScheduledFor.Before(*right.Escrow.ReleaseScheduledFor)
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (store *Store) ListConfirmedStartingBetween(ctx context.Context, from time.Time, to time.Time) ([]booking.Booking, error) {
	return store.filterBookings(func(candidate booking.Booking) bool {
		return candidate.Status == booking.StatusConfirmed && candidate.SessionStart.After(from) && !candidate.SessionStart.After(to)
	}, bySessionStart)
}

func (store *Store) ListCompletedSince(ctx context.Context, since time.Time) ([]booking.Booking, error) {
	return store.filterBookings(func(candidate booking.Booking) bool {
		ended := candidate.Session.EndedAt
		return candidate.Status == booking.StatusCompleted && ended != nil && !ended.Before(since)
	}, bySessionStart)
}

func (store *Store) UpdateEscrowStatus(ctx context.Context, bookingID string, from booking.EscrowStatus, to booking.EscrowStatus) error {
	return store.view(func(current *state) error {
		stored, ok := current.bookings[bookingID]
		if !ok {
			return wrapStoreError(errorSubjectEscrow, errorCodeUpdateStatus, fmt.Errorf("%w: booking %s", booking.ErrNotFound, bookingID))
		}
		if stored.Escrow.Status != from {
			return wrapStoreError(errorSubjectEscrow, errorCodeUpdateStatus, booking.ErrEscrowStatusConflict)
		}
		stored.Escrow.Status = to
		current.bookings[bookingID] = stored
		return nil
	})
}

func (store *Store) GetWallet(ctx context.Context, userID string) (booking.Wallet, error) {
	var wallet booking.Wallet
	err := store.view(func(current *state) error {
		stored, ok := current.wallets[userID]
		if !ok {
			stored = booking.Wallet{UserID: userID}
			current.wallets[userID] = stored
		}
		wallet = stored
		return nil
	})
	return wallet, err
}

func (store *Store) SaveWallet(ctx context.Context, wallet booking.Wallet) error {
	return store.view(func(current *state) error {
		current.wallets[wallet.UserID] = wallet
		return nil
	})
}

func (store *Store) InsertTransaction(ctx context.Context, transaction booking.Transaction) error {
	return store.view(func(current *state) error {
		current.transactions = append(current.transactions, transaction)
		return nil
	})
}

func (store *Store) ListTransactions(ctx context.Context, userID string, before time.Time, limit int) ([]booking.Transaction, error) {
	var listed []booking.Transaction
	err := store.view(func(current *state) error {
		for index := len(current.transactions) - 1; index >= 0; index-- {
			candidate := current.transactions[index]
			if candidate.UserID != userID || !candidate.CreatedAt.Before(before) {
				continue
			}
			listed = append(listed, candidate)
		}
		return nil
	})
	sort.SliceStable(listed, func(left, right int) bool {
		return listed[left].CreatedAt.After(listed[right].CreatedAt)
	})
	if limit > 0 && len(listed) > limit {
		listed = listed[:limit]
	}
	return listed, err
}

func (store *Store) MarkReminderSent(ctx context.Context, bookingID string, kind booking.ReminderKind, at time.Time) (bool, error) {
	first := false
	err := store.view(func(current *state) error {
		key := bookingID + "|" + string(kind)
		if _, sent := current.reminders[key]; sent {
			return nil
		}
		current.reminders[key] = at
		first = true
		return nil
	})
	return first, err
}

func (store *Store) RecordPaymentEvent(ctx context.Context, eventID string, reference string, at time.Time) (bool, error) {
	first := false
	err := store.view(func(current *state) error {
		if _, seen := current.events[eventID]; seen {
			return nil
		}
		current.events[eventID] = reference
		first = true
		return nil
	})
	return first, err
}

func (store *Store) AddTutorRating(ctx context.Context, tutorID string, score int) error {
	return store.view(func(current *state) error {
		rating := current.ratings[tutorID]
		rating.TutorID = tutorID
		rating.Count++
		rating.Sum += score
		current.ratings[tutorID] = rating
		return nil
	})
}

func (store *Store) GetTutorRating(ctx context.Context, tutorID string) (booking.TutorRating, error) {
	var rating booking.TutorRating
	err := store.view(func(current *state) error {
		rating = current.ratings[tutorID]
		rating.TutorID = tutorID
		return nil
	})
	return rating, err
}

func (store *Store) filterBookings(keep func(candidate booking.Booking) bool, less func(left, right booking.Booking) bool) ([]booking.Booking, error) {
	var matched []booking.Booking
	err := store.view(func(current *state) error {
		for _, stored := range current.bookings {
			if keep(stored) {
				matched = append(matched, copyBooking(stored))
			}
		}
		return nil
	})
	sort.Slice(matched, func(left, right int) bool {
		if less(matched[left], matched[right]) {
			return true
		}
		if less(matched[right], matched[left]) {
			return false
		}
		return matched[left].ID < matched[right].ID
	})
	return matched, err
}

func bySessionStart(left, right booking.Booking) bool {
	return left.SessionStart.Before(right.SessionStart)
}

func copySlot(slot booking.Slot) booking.Slot {
	if slot.Recurrence != nil {
		recurrence := *slot.Recurrence
		recurrence.Weekdays = append([]time.Weekday(nil), recurrence.Weekdays...)
		slot.Recurrence = &recurrence
	}
	return slot
}

func copyBooking(stored booking.Booking) booking.Booking {
	stored.RescheduleRequests = append([]booking.RescheduleRequest(nil), stored.RescheduleRequests...)
	return stored
}

func wrapStoreError(subject string, code string, err error) error {
	return booking.WrapError(errorOperationStore, subject, code, err)
}

var _ booking.Store = (*Store)(nil)
