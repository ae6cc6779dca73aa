package booking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxRecurrenceDays = 366

// SlotManager owns tutor availability and the short-lived checkout locks on it.
type SlotManager struct {
	store  Store
	nowFn  Clock
	policy Policy
	settings
}

// NewSlotManager wires a SlotManager.
func NewSlotManager(store Store, now Clock, policy Policy, options ...Option) (*SlotManager, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &SlotManager{store: store, nowFn: now, policy: policy, settings: applyOptions(options)}, nil
}

// SlotInput describes a single slot a tutor publishes.
type SlotInput struct {
	TutorID      string
	Date         CalendarDate
	Range        TimeRange
	PricePerHour AmountCents
}

// RecurringSlotInput describes a weekly series of slots.
type RecurringSlotInput struct {
	TutorID      string
	From         CalendarDate
	Until        CalendarDate
	Weekdays     []time.Weekday
	Ranges       []TimeRange
	PricePerHour AmountCents
}

// Availability is a slot together with whether it can be requested right now.
type Availability struct {
	Slot     Slot
	Bookable bool
}

// LockRequest asks for a checkout claim on a tutor's time range.
type LockRequest struct {
	TutorID  string
	Date     CalendarDate
	Range    TimeRange
	HolderID string
	TTL      time.Duration
}

// CreateSlot publishes one slot. Overlapping active slots of the same tutor are rejected.
func (manager *SlotManager) CreateSlot(ctx context.Context, input SlotInput) (Slot, error) {
	var created Slot
	operationError := func() error {
		if err := validateSlotInput(input.TutorID, input.Date, input.PricePerHour); err != nil {
			return err
		}
		if _, err := NewTimeRange(input.Range.Start, input.Range.End); err != nil {
			return err
		}
		now := manager.nowFn()
		if !input.Date.At(input.Range.Start, manager.policy.Location).After(now) {
			return fmt.Errorf("%w: slot must start in the future", ErrValidation)
		}
		return manager.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			existing, err := transactionStore.ListSlots(ctx, input.TutorID, input.Date)
			if err != nil {
				return err
			}
			if overlapsActiveSlot(existing, input.Range) {
				return fmt.Errorf("%w: overlaps an existing slot", ErrSlotConflict)
			}
			created = newSlot(input.TutorID, input.Date, input.Range, input.PricePerHour, nil, now)
			return transactionStore.CreateSlot(ctx, created)
		})
	}()
	logOperation(ctx, manager.logger, OperationLog{
		Operation: operationCreateSlot,
		UserID:    input.TutorID,
		Detail:    input.Date.String() + " " + input.Range.String(),
		Error:     operationError,
	})
	if operationError != nil {
		return Slot{}, operationError
	}
	return created, nil
}

// CreateRecurringSlots publishes a weekly series. Occurrences that are in the past
// or overlap an existing slot are skipped rather than failing the series.
func (manager *SlotManager) CreateRecurringSlots(ctx context.Context, input RecurringSlotInput) ([]Slot, error) {
	var created []Slot
	operationError := func() error {
		if err := validateSlotInput(input.TutorID, input.From, input.PricePerHour); err != nil {
			return err
		}
		if input.Until.IsZero() || input.Until.String() < input.From.String() {
			return fmt.Errorf("%w: recurrence end must not precede its start", ErrValidation)
		}
		if len(input.Weekdays) == 0 || len(input.Ranges) == 0 {
			return fmt.Errorf("%w: recurrence needs weekdays and time ranges", ErrValidation)
		}
		for _, timeRange := range input.Ranges {
			if _, err := NewTimeRange(timeRange.Start, timeRange.End); err != nil {
				return err
			}
		}
		weekdays := make(map[time.Weekday]bool, len(input.Weekdays))
		for _, weekday := range input.Weekdays {
			weekdays[weekday] = true
		}
		now := manager.nowFn()
		seriesID := uuid.NewString()
		return manager.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			occurrence := 0
			for offset := 0; offset <= maxRecurrenceDays; offset++ {
				date := input.From.AddDays(offset)
				if date.String() > input.Until.String() {
					break
				}
				if !weekdays[date.Weekday()] {
					continue
				}
				existing, err := transactionStore.ListSlots(ctx, input.TutorID, date)
				if err != nil {
					return err
				}
				for _, timeRange := range input.Ranges {
					if !date.At(timeRange.Start, manager.policy.Location).After(now) || overlapsActiveSlot(existing, timeRange) {
						continue
					}
					occurrence++
					recurrence := &Recurrence{
						Pattern:    recurrencePatternWeekly,
						Weekdays:   append([]time.Weekday(nil), input.Weekdays...),
						Until:      input.Until,
						SeriesID:   seriesID,
						Occurrence: occurrence,
					}
					slot := newSlot(input.TutorID, date, timeRange, input.PricePerHour, recurrence, now)
					if err := transactionStore.CreateSlot(ctx, slot); err != nil {
						return err
					}
					existing = append(existing, slot)
					created = append(created, slot)
				}
			}
			return nil
		})
	}()
	logOperation(ctx, manager.logger, OperationLog{
		Operation: operationCreateSlots,
		UserID:    input.TutorID,
		Detail:    fmt.Sprintf("%s..%s created=%d", input.From, input.Until, len(created)),
		Error:     operationError,
	})
	if operationError != nil {
		return nil, operationError
	}
	return created, nil
}

// ListAvailability returns the tutor's active slots on date. Expired locks are
// swept first so they never hide a free slot.
func (manager *SlotManager) ListAvailability(ctx context.Context, tutorID string, date CalendarDate) ([]Availability, error) {
	if strings.TrimSpace(tutorID) == "" || date.IsZero() {
		return nil, fmt.Errorf("%w: tutor and date are required", ErrValidation)
	}
	if _, err := manager.SweepExpiredLocks(ctx); err != nil {
		return nil, err
	}
	slots, err := manager.store.ListSlots(ctx, tutorID, date)
	if err != nil {
		return nil, err
	}
	now := manager.nowFn()
	views := make([]Availability, 0, len(slots))
	for _, slot := range slots {
		if !slot.Active {
			continue
		}
		views = append(views, Availability{Slot: slot, Bookable: slot.CanBeBooked(now, manager.policy.Location)})
	}
	return views, nil
}

// DeactivateSlot soft-deletes a slot. Slots carrying a live booking stay put.
func (manager *SlotManager) DeactivateSlot(ctx context.Context, slotID string, tutorID string) error {
	operationError := manager.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		slot, err := transactionStore.GetSlot(ctx, slotID)
		if err != nil {
			return err
		}
		if slot.TutorID != tutorID {
			return fmt.Errorf("%w: slot belongs to another tutor", ErrUnauthorized)
		}
		if !slot.Active {
			return fmt.Errorf("%w: slot already deactivated", ErrAlreadyProcessed)
		}
		if slot.BookingID != "" {
			attached, err := transactionStore.GetBooking(ctx, slot.BookingID)
			if err == nil && attached.BlocksRange(manager.nowFn()) {
				return fmt.Errorf("%w: slot carries an active booking", ErrInvalidTransition)
			}
		}
		slot.Active = false
		slot.Available = false
		slot.UpdatedAt = manager.nowFn()
		return transactionStore.UpdateSlot(ctx, slot)
	})
	logOperation(ctx, manager.logger, OperationLog{
		Operation: operationDeactivateSlot,
		UserID:    tutorID,
		Detail:    slotID,
		Error:     operationError,
	})
	return operationError
}

// AcquireLock claims a tutor's time range for request.HolderID until the TTL runs out.
// A holder re-acquiring the exact same range extends its existing lock.
func (manager *SlotManager) AcquireLock(ctx context.Context, request LockRequest) (SlotLock, error) {
	var lock SlotLock
	operationError := func() error {
		if err := validateLockRequest(request); err != nil {
			return err
		}
		unlock, err := manager.lockRegion(ctx, request.TutorID, request.Date)
		if err != nil {
			return err
		}
		defer unlock()
		return manager.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			template := Booking{TutorID: request.TutorID, StudentID: request.HolderID, Date: request.Date, Range: request.Range}
			claimed, _, err := manager.acquireTx(ctx, transactionStore, template, request.TTL)
			if err != nil {
				return err
			}
			lock = LockOf(claimed)
			return nil
		})
	}()
	logOperation(ctx, manager.logger, OperationLog{
		Operation: operationAcquireLock,
		BookingID: lock.ID,
		UserID:    request.HolderID,
		Detail:    request.TutorID + " " + request.Date.String() + " " + request.Range.String(),
		Error:     operationError,
	})
	if operationError != nil {
		return SlotLock{}, operationError
	}
	return lock, nil
}

// ReleaseLock drops a still-pending lock owned by holderID.
func (manager *SlotManager) ReleaseLock(ctx context.Context, lockID string, holderID string) error {
	operationError := manager.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		claimed, err := transactionStore.GetBooking(ctx, lockID)
		if err != nil {
			return err
		}
		if claimed.Status != StatusPending || claimed.LockExpiresAt == nil || claimed.StudentID != holderID {
			return fmt.Errorf("%w: no pending lock %s for holder", ErrNotFound, lockID)
		}
		return removeLockTx(ctx, transactionStore, claimed, manager.nowFn())
	})
	logOperation(ctx, manager.logger, OperationLog{
		Operation: operationReleaseLock,
		BookingID: lockID,
		UserID:    holderID,
		Error:     operationError,
	})
	return operationError
}

// SweepExpiredLocks frees the slot of every pending lock whose expiry has passed.
func (manager *SlotManager) SweepExpiredLocks(ctx context.Context) (int, error) {
	removed := 0
	operationError := manager.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		now := manager.nowFn()
		expired, err := transactionStore.ListExpiredLocks(ctx, now)
		if err != nil {
			return err
		}
		for _, claimed := range expired {
			if err := removeLockTx(ctx, transactionStore, claimed, now); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	if operationError != nil || removed > 0 {
		logOperation(ctx, manager.logger, OperationLog{
			Operation: operationSweepLocks,
			Detail:    fmt.Sprintf("removed=%d", removed),
			Error:     operationError,
		})
	}
	if operationError != nil {
		return 0, operationError
	}
	return removed, nil
}

// acquireTx runs inside a transaction and the (tutor, date) region. It purges
// expired locks on that day, then either extends the holder's identical lock or
// creates a new pending booking from template. The boolean reports an extension;
// a slotless lock adopted by a slot request is reported as new so the caller
// attaches the slot.
func (manager *SlotManager) acquireTx(ctx context.Context, transactionStore Store, template Booking, ttl time.Duration) (Booking, bool, error) {
	now := manager.nowFn()
	expiresAt := now.Add(ttl)
	dayBookings, err := transactionStore.ListTutorBookings(ctx, template.TutorID, template.Date)
	if err != nil {
		return Booking{}, false, err
	}
	for _, existing := range dayBookings {
		if existing.Status == StatusPending && existing.LockExpiresAt != nil && !existing.LockExpiresAt.After(now) {
			if err := removeLockTx(ctx, transactionStore, existing, now); err != nil {
				return Booking{}, false, err
			}
			continue
		}
		if !existing.BlocksRange(now) || !existing.Range.Overlaps(template.Range) {
			continue
		}
		sameClaim := existing.StudentID == template.StudentID &&
			existing.Range == template.Range &&
			(existing.SlotID == template.SlotID || existing.SlotID == "" || template.SlotID == "") &&
			existing.HoldsLock(now)
		if !sameClaim {
			return Booking{}, false, fmt.Errorf("%w: %s %s is held by another booking", ErrSlotConflict, template.Date, existing.Range)
		}
		adopted := existing.SlotID == "" && template.SlotID != ""
		if adopted {
			existing.SlotID = template.SlotID
			existing.Subject = template.Subject
			existing.Notes = template.Notes
			existing.TotalAmount = template.TotalAmount
			existing.PlatformFee = template.PlatformFee
			existing.TutorEarnings = template.TutorEarnings
		}
		existing.LockExpiresAt = &expiresAt
		existing.UpdatedAt = now
		if err := transactionStore.UpdateBooking(ctx, existing); err != nil {
			return Booking{}, false, err
		}
		return existing, !adopted, nil
	}

	created := template
	created.ID = uuid.NewString()
	created.Status = StatusPending
	created.LockExpiresAt = &expiresAt
	created.SessionStart = template.Date.At(template.Range.Start, manager.policy.Location)
	created.SessionEnd = template.Date.At(template.Range.End, manager.policy.Location)
	created.Payment = Payment{Status: PaymentUnpaid}
	created.Escrow = Escrow{Status: EscrowNone}
	created.CreatedAt = now
	created.UpdatedAt = now
	if err := transactionStore.CreateBooking(ctx, created); err != nil {
		return Booking{}, false, err
	}
	return created, false, nil
}

func (manager *SlotManager) lockRegion(ctx context.Context, tutorID string, date CalendarDate) (func(), error) {
	if manager.locker == nil {
		return func() {}, nil
	}
	return manager.locker.Lock(ctx, regionKey(tutorID, date))
}

// removeLockTx frees the claimed range. A lock with an open gateway checkout is
// kept as a cancelled booking so a late payment can still be matched and credited.
func removeLockTx(ctx context.Context, transactionStore Store, claimed Booking, now time.Time) error {
	if claimed.SlotID != "" {
		if err := transactionStore.DetachSlotBooking(ctx, claimed.SlotID, claimed.ID); err != nil {
			return err
		}
	}
	if claimed.Payment.Status != PaymentPending {
		return transactionStore.DeleteBooking(ctx, claimed.ID)
	}
	claimed.Status = StatusCancelled
	claimed.LockExpiresAt = nil
	claimed.Cancellation = &Cancellation{Reason: cancellationReasonLockExpired, At: now}
	claimed.UpdatedAt = now
	return transactionStore.UpdateBooking(ctx, claimed)
}

func regionKey(tutorID string, date CalendarDate) string {
	return "slot:" + tutorID + ":" + date.String()
}

func newSlot(tutorID string, date CalendarDate, timeRange TimeRange, pricePerHour AmountCents, recurrence *Recurrence, now time.Time) Slot {
	return Slot{
		ID:                uuid.NewString(),
		TutorID:           tutorID,
		Date:              date,
		Range:             timeRange,
		PricePerHourCents: pricePerHour,
		Available:         true,
		Recurrence:        recurrence,
		Active:            true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func overlapsActiveSlot(slots []Slot, timeRange TimeRange) bool {
	for _, slot := range slots {
		if slot.Active && slot.Range.Overlaps(timeRange) {
			return true
		}
	}
	return false
}

func validateSlotInput(tutorID string, date CalendarDate, pricePerHour AmountCents) error {
	if strings.TrimSpace(tutorID) == "" {
		return fmt.Errorf("%w: tutor id is required", ErrValidation)
	}
	if date.IsZero() {
		return fmt.Errorf("%w: date is required", ErrValidation)
	}
	if pricePerHour <= 0 {
		return fmt.Errorf("%w: price per hour must be positive", ErrValidation)
	}
	return nil
}

func validateLockRequest(request LockRequest) error {
	if strings.TrimSpace(request.TutorID) == "" || strings.TrimSpace(request.HolderID) == "" {
		return fmt.Errorf("%w: tutor and holder are required", ErrValidation)
	}
	if request.TutorID == request.HolderID {
		return fmt.Errorf("%w: tutors cannot book themselves", ErrValidation)
	}
	if request.Date.IsZero() {
		return fmt.Errorf("%w: date is required", ErrValidation)
	}
	if request.TTL <= 0 {
		return fmt.Errorf("%w: lock ttl must be positive", ErrValidation)
	}
	_, err := NewTimeRange(request.Range.Start, request.Range.End)
	return err
}
