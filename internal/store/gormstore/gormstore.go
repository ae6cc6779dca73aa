package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/tutorbook/pkg/booking"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintBookingsPaymentReference = "idx_bookings_payment_reference"
	defaultNullJSON                    = "null"
	defaultMetadataJSON                = "{}"
	pgUniqueViolationCode              = "23505"
	sqliteConstraintCode               = 19
	errorOperationStore                = "store"
	errorSubjectSlot                   = "slot"
	errorSubjectBooking                = "booking"
	errorSubjectEscrow                 = "escrow"
	errorSubjectWallet                 = "wallet"
	errorSubjectTransaction            = "transaction"
	errorSubjectReminder               = "reminder"
	errorSubjectPaymentEvent           = "payment_event"
	errorSubjectRating                 = "rating"
	errorCodeAttach                    = "attach"
	errorCodeCreate                    = "create"
	errorCodeDelete                    = "delete"
	errorCodeDetach                    = "detach"
	errorCodeDuplicate                 = "duplicate"
	errorCodeGet                       = "get"
	errorCodeInsert                    = "insert"
	errorCodeInvalid                   = "invalid"
	errorCodeList                      = "list"
	errorCodeMark                      = "mark"
	errorCodeSave                      = "save"
	errorCodeUpdate                    = "update"
	errorCodeUpdateStatus              = "update_status"
)

// Store implements booking.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore booking.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateSlot(ctx context.Context, slot booking.Slot) error {
	record, err := toSlotRecord(slot)
	if err != nil {
		return wrapStoreError(errorSubjectSlot, errorCodeInvalid, err)
	}
	err = store.db.WithContext(ctx).Create(&record).Error
	if isUniqueViolation(err, "") {
		return wrapStoreError(errorSubjectSlot, errorCodeDuplicate, fmt.Errorf("%w: slot %s exists", booking.ErrValidation, slot.ID))
	}
	if err != nil {
		return wrapStoreError(errorSubjectSlot, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetSlot(ctx context.Context, slotID string) (booking.Slot, error) {
	var record SlotRecord
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("slot_id = ?", slotID).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.Slot{}, wrapStoreError(errorSubjectSlot, errorCodeGet, fmt.Errorf("%w: slot %s", booking.ErrNotFound, slotID))
		}
		return booking.Slot{}, wrapStoreError(errorSubjectSlot, errorCodeGet, err)
	}
	slot, err := fromSlotRecord(record)
	if err != nil {
		return booking.Slot{}, wrapStoreError(errorSubjectSlot, errorCodeInvalid, err)
	}
	return slot, nil
}

func (store *Store) ListSlots(ctx context.Context, tutorID string, date booking.CalendarDate) ([]booking.Slot, error) {
	var records []SlotRecord
	err := store.db.WithContext(ctx).
		Where("tutor_id = ? AND date = ?", tutorID, date.String()).
		Order("start_minute ASC").
		Find(&records).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectSlot, errorCodeList, err)
	}
	slots := make([]booking.Slot, 0, len(records))
	for _, record := range records {
		slot, err := fromSlotRecord(record)
		if err != nil {
			return nil, wrapStoreError(errorSubjectSlot, errorCodeInvalid, err)
		}
		slots = append(slots, slot)
	}
	return slots, nil
}

func (store *Store) UpdateSlot(ctx context.Context, slot booking.Slot) error {
	record, err := toSlotRecord(slot)
	if err != nil {
		return wrapStoreError(errorSubjectSlot, errorCodeInvalid, err)
	}
	result := store.db.WithContext(ctx).
		Model(&SlotRecord{}).
		Where("slot_id = ?", slot.ID).
		Select("*").
		Updates(&record)
	if result.Error != nil {
		return wrapStoreError(errorSubjectSlot, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectSlot, errorCodeUpdate, fmt.Errorf("%w: slot %s", booking.ErrNotFound, slot.ID))
	}
	return nil
}

func (store *Store) AttachSlotBooking(ctx context.Context, slotID string, bookingID string) error {
	result := store.db.WithContext(ctx).
		Model(&SlotRecord{}).
		Where("slot_id = ? AND booking_id IS NULL AND available = ? AND active = ?", slotID, true, true).
		Updates(map[string]interface{}{"booking_id": bookingID, "available": false})
	if result.Error != nil {
		return wrapStoreError(errorSubjectSlot, errorCodeAttach, result.Error)
	}
	if result.RowsAffected == 0 {
		exists, err := store.exists(ctx, &SlotRecord{}, "slot_id = ?", slotID)
		if err != nil {
			return wrapStoreError(errorSubjectSlot, errorCodeAttach, err)
		}
		if !exists {
			return wrapStoreError(errorSubjectSlot, errorCodeAttach, fmt.Errorf("%w: slot %s", booking.ErrNotFound, slotID))
		}
		return wrapStoreError(errorSubjectSlot, errorCodeAttach, booking.ErrSlotConflict)
	}
	return nil
}

func (store *Store) DetachSlotBooking(ctx context.Context, slotID string, bookingID string) error {
	err := store.db.WithContext(ctx).
		Model(&SlotRecord{}).
		Where("slot_id = ? AND booking_id = ?", slotID, bookingID).
		Updates(map[string]interface{}{"booking_id": nil, "available": gorm.Expr("active")}).Error
	if err != nil {
		return wrapStoreError(errorSubjectSlot, errorCodeDetach, err)
	}
	return nil
}

func (store *Store) CreateBooking(ctx context.Context, created booking.Booking) error {
	record, err := toBookingRecord(created)
	if err != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeInvalid, err)
	}
	err = store.db.WithContext(ctx).Create(&record).Error
	if isUniqueViolation(err, "") {
		return wrapStoreError(errorSubjectBooking, errorCodeDuplicate, fmt.Errorf("%w: booking %s exists", booking.ErrValidation, created.ID))
	}
	if err != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetBooking(ctx context.Context, bookingID string) (booking.Booking, error) {
	return store.takeBooking(ctx, "booking_id = ?", bookingID)
}

func (store *Store) GetBookingByPaymentReference(ctx context.Context, reference string) (booking.Booking, error) {
	if reference == "" {
		return booking.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeGet, fmt.Errorf("%w: empty payment reference", booking.ErrNotFound))
	}
	return store.takeBooking(ctx, "payment_reference = ?", reference)
}

func (store *Store) UpdateBooking(ctx context.Context, updated booking.Booking) error {
	record, err := toBookingRecord(updated)
	if err != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeInvalid, err)
	}
	result := store.db.WithContext(ctx).
		Model(&BookingRecord{}).
		Where("booking_id = ?", updated.ID).
		Select("*").
		Updates(&record)
	if isUniqueViolation(result.Error, constraintBookingsPaymentReference) {
		return wrapStoreError(errorSubjectBooking, errorCodeDuplicate, fmt.Errorf("%w: payment reference in use", booking.ErrValidation))
	}
	if result.Error != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBooking, errorCodeUpdate, fmt.Errorf("%w: booking %s", booking.ErrNotFound, updated.ID))
	}
	return nil
}

func (store *Store) DeleteBooking(ctx context.Context, bookingID string) error {
	err := store.db.WithContext(ctx).Where("booking_id = ?", bookingID).Delete(&BookingRecord{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeDelete, err)
	}
	return nil
}

func (store *Store) ListTutorBookings(ctx context.Context, tutorID string, date booking.CalendarDate) ([]booking.Booking, error) {
	return store.findBookings(ctx, "session_start ASC",
		"tutor_id = ? AND date = ? AND status IN ?",
		tutorID, date.String(), []string{string(booking.StatusPending), string(booking.StatusConfirmed)})
}

func (store *Store) ListExpiredLocks(ctx context.Context, now time.Time) ([]booking.Booking, error) {
	return store.findBookings(ctx, "session_start ASC",
		"status = ? AND lock_expires_at IS NOT NULL AND lock_expires_at <= ?",
		string(booking.StatusPending), now.UTC())
}

func (store *Store) ListDueReleases(ctx context.Context, now time.Time, limit int) ([]booking.Booking, error) {
	query := store.db.WithContext(ctx).
		Where("status IN ? AND escrow_status = ? AND release_scheduled_for IS NOT NULL AND release_scheduled_for <= ?",
			[]string{string(booking.StatusCompleted), string(booking.StatusNoShow)}, string(booking.EscrowHeld), now.UTC()).
		Order("release_scheduled_for ASC").
		Order("booking_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []BookingRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, wrapStoreError(errorSubjectBooking, errorCodeList, err)
	}
	return mapBookingRecords(records)
}

func (store *Store) ListConfirmedStartingBetween(ctx context.Context, from time.Time, to time.Time) ([]booking.Booking, error) {
	return store.findBookings(ctx, "session_start ASC",
		"status = ? AND session_start > ? AND session_start <= ?",
		string(booking.StatusConfirmed), from.UTC(), to.UTC())
}

func (store *Store) ListCompletedSince(ctx context.Context, since time.Time) ([]booking.Booking, error) {
	return store.findBookings(ctx, "session_start ASC",
		"status = ? AND session_ended_at IS NOT NULL AND session_ended_at >= ?",
		string(booking.StatusCompleted), since.UTC())
}

func (store *Store) UpdateEscrowStatus(ctx context.Context, bookingID string, from booking.EscrowStatus, to booking.EscrowStatus) error {
	result := store.db.WithContext(ctx).
		Model(&BookingRecord{}).
		Where("booking_id = ? AND escrow_status = ?", bookingID, string(from)).
		Update("escrow_status", string(to))
	if result.Error != nil {
		return wrapStoreError(errorSubjectEscrow, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		exists, err := store.exists(ctx, &BookingRecord{}, "booking_id = ?", bookingID)
		if err != nil {
			return wrapStoreError(errorSubjectEscrow, errorCodeUpdateStatus, err)
		}
		if !exists {
			return wrapStoreError(errorSubjectEscrow, errorCodeUpdateStatus, fmt.Errorf("%w: booking %s", booking.ErrNotFound, bookingID))
		}
		return wrapStoreError(errorSubjectEscrow, errorCodeUpdateStatus, booking.ErrEscrowStatusConflict)
	}
	return nil
}

func (store *Store) GetWallet(ctx context.Context, userID string) (booking.Wallet, error) {
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&WalletRecord{UserID: userID, UpdatedAt: time.Unix(0, 0).UTC()}).Error
	if err != nil {
		return booking.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
	}
	var record WalletRecord
	err = store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&record).Error
	if err != nil {
		return booking.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	return fromWalletRecord(record), nil
}

func (store *Store) SaveWallet(ctx context.Context, wallet booking.Wallet) error {
	record := toWalletRecord(wallet)
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(&record).Error
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeSave, err)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction booking.Transaction) error {
	record := TransactionRecord{
		TransactionID:      transaction.ID,
		UserID:             transaction.UserID,
		BookingID:          transaction.BookingID,
		Type:               string(transaction.Type),
		AmountCents:        transaction.Amount.Int64(),
		FeeCents:           transaction.Fee.Int64(),
		NetAmountCents:     transaction.NetAmount.Int64(),
		BalanceBeforeCents: transaction.BalanceBefore.Int64(),
		BalanceAfterCents:  transaction.BalanceAfter.Int64(),
		EscrowBeforeCents:  transaction.EscrowBefore.Int64(),
		EscrowAfterCents:   transaction.EscrowAfter.Int64(),
		Reference:          transaction.Reference,
		Metadata:           datatypesJSON(transaction.MetadataJSON, defaultMetadataJSON),
		CreatedAt:          transaction.CreatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&record).Error
	if isUniqueViolation(err, "") {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, fmt.Errorf("%w: transaction %s exists", booking.ErrValidation, transaction.ID))
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, userID string, before time.Time, limit int) ([]booking.Transaction, error) {
	query := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID, before.UTC()).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []TransactionRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]booking.Transaction, 0, len(records))
	for _, record := range records {
		transactions = append(transactions, booking.Transaction{
			ID:            record.TransactionID,
			UserID:        record.UserID,
			BookingID:     record.BookingID,
			Type:          booking.TransactionType(record.Type),
			Amount:        booking.AmountCents(record.AmountCents),
			Fee:           booking.AmountCents(record.FeeCents),
			NetAmount:     booking.AmountCents(record.NetAmountCents),
			BalanceBefore: booking.AmountCents(record.BalanceBeforeCents),
			BalanceAfter:  booking.AmountCents(record.BalanceAfterCents),
			EscrowBefore:  booking.AmountCents(record.EscrowBeforeCents),
			EscrowAfter:   booking.AmountCents(record.EscrowAfterCents),
			Reference:     record.Reference,
			MetadataJSON:  string(record.Metadata),
			CreatedAt:     record.CreatedAt,
		})
	}
	return transactions, nil
}

func (store *Store) MarkReminderSent(ctx context.Context, bookingID string, kind booking.ReminderKind, at time.Time) (bool, error) {
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&ReminderMarker{BookingID: bookingID, Kind: string(kind), SentAt: at.UTC()})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectReminder, errorCodeMark, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) RecordPaymentEvent(ctx context.Context, eventID string, reference string, at time.Time) (bool, error) {
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&PaymentEvent{EventID: eventID, Reference: reference, ReceivedAt: at.UTC()})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectPaymentEvent, errorCodeInsert, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) AddTutorRating(ctx context.Context, tutorID string, score int) error {
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tutor_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"rating_count": gorm.Expr("tutor_ratings.rating_count + 1"),
				"rating_sum":   gorm.Expr("tutor_ratings.rating_sum + ?", score),
			}),
		}).
		Create(&TutorRatingRecord{TutorID: tutorID, RatingCount: 1, RatingSum: score}).Error
	if err != nil {
		return wrapStoreError(errorSubjectRating, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) GetTutorRating(ctx context.Context, tutorID string) (booking.TutorRating, error) {
	var record TutorRatingRecord
	err := store.db.WithContext(ctx).Where("tutor_id = ?", tutorID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return booking.TutorRating{TutorID: tutorID}, nil
	}
	if err != nil {
		return booking.TutorRating{}, wrapStoreError(errorSubjectRating, errorCodeGet, err)
	}
	return booking.TutorRating{TutorID: tutorID, Count: record.RatingCount, Sum: record.RatingSum}, nil
}

func (store *Store) takeBooking(ctx context.Context, condition string, value string) (booking.Booking, error) {
	var record BookingRecord
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(condition, value).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeGet, fmt.Errorf("%w: booking %s", booking.ErrNotFound, value))
		}
		return booking.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeGet, err)
	}
	found, err := fromBookingRecord(record)
	if err != nil {
		return booking.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeInvalid, err)
	}
	return found, nil
}

func (store *Store) findBookings(ctx context.Context, order string, condition string, args ...interface{}) ([]booking.Booking, error) {
	var records []BookingRecord
	err := store.db.WithContext(ctx).
		Where(condition, args...).
		Order(order).
		Order("booking_id ASC").
		Find(&records).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBooking, errorCodeList, err)
	}
	return mapBookingRecords(records)
}

func (store *Store) exists(ctx context.Context, model interface{}, condition string, value string) (bool, error) {
	var count int64
	if err := store.db.WithContext(ctx).Model(model).Where(condition, value).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func mapBookingRecords(records []BookingRecord) ([]booking.Booking, error) {
	bookings := make([]booking.Booking, 0, len(records))
	for _, record := range records {
		mapped, err := fromBookingRecord(record)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBooking, errorCodeInvalid, err)
		}
		bookings = append(bookings, mapped)
	}
	return bookings, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return booking.WrapError(errorOperationStore, subject, code, err)
}

func toSlotRecord(slot booking.Slot) (SlotRecord, error) {
	recurrence, err := marshalJSON(slot.Recurrence)
	if err != nil {
		return SlotRecord{}, err
	}
	return SlotRecord{
		SlotID:            slot.ID,
		TutorID:           slot.TutorID,
		Date:              slot.Date.String(),
		StartMinute:       int(slot.Range.Start),
		EndMinute:         int(slot.Range.End),
		PricePerHourCents: slot.PricePerHourCents.Int64(),
		Available:         slot.Available,
		Active:            slot.Active,
		BookingID:         optionalString(slot.BookingID),
		Recurrence:        recurrence,
		CreatedAt:         slot.CreatedAt.UTC(),
		UpdatedAt:         slot.UpdatedAt.UTC(),
	}, nil
}

func fromSlotRecord(record SlotRecord) (booking.Slot, error) {
	date, err := booking.NewCalendarDate(record.Date)
	if err != nil {
		return booking.Slot{}, err
	}
	timeRange, err := booking.NewTimeRange(booking.ClockMinute(record.StartMinute), booking.ClockMinute(record.EndMinute))
	if err != nil {
		return booking.Slot{}, err
	}
	var recurrence *booking.Recurrence
	if err := json.Unmarshal(record.Recurrence, &recurrence); err != nil {
		return booking.Slot{}, err
	}
	return booking.Slot{
		ID:                record.SlotID,
		TutorID:           record.TutorID,
		Date:              date,
		Range:             timeRange,
		PricePerHourCents: booking.AmountCents(record.PricePerHourCents),
		Available:         record.Available,
		Recurrence:        recurrence,
		BookingID:         stringOrEmpty(record.BookingID),
		Active:            record.Active,
		CreatedAt:         record.CreatedAt,
		UpdatedAt:         record.UpdatedAt,
	}, nil
}

func toBookingRecord(source booking.Booking) (BookingRecord, error) {
	cancellation, err := marshalJSON(source.Cancellation)
	if err != nil {
		return BookingRecord{}, err
	}
	reschedules, err := marshalJSON(source.RescheduleRequests)
	if err != nil {
		return BookingRecord{}, err
	}
	studentRating, err := marshalJSON(source.StudentRating)
	if err != nil {
		return BookingRecord{}, err
	}
	tutorRating, err := marshalJSON(source.TutorRating)
	if err != nil {
		return BookingRecord{}, err
	}
	return BookingRecord{
		BookingID:             source.ID,
		StudentID:             source.StudentID,
		TutorID:               source.TutorID,
		SlotID:                source.SlotID,
		Date:                  source.Date.String(),
		StartMinute:           int(source.Range.Start),
		EndMinute:             int(source.Range.End),
		SessionStart:          source.SessionStart.UTC(),
		SessionEnd:            source.SessionEnd.UTC(),
		Subject:               source.Subject,
		Notes:                 source.Notes,
		TotalAmountCents:      source.TotalAmount.Int64(),
		PlatformFeeCents:      source.PlatformFee.Int64(),
		TutorEarningsCents:    source.TutorEarnings.Int64(),
		Status:                string(source.Status),
		LockExpiresAt:         utcPointer(source.LockExpiresAt),
		MeetingReference:      source.MeetingReference,
		PaymentStatus:         string(source.Payment.Status),
		PaymentMethod:         string(source.Payment.Method),
		PaymentAmountCents:    source.Payment.Amount.Int64(),
		PaymentReference:      optionalString(source.Payment.Reference),
		CheckoutURL:           source.Payment.CheckoutURL,
		PaidAt:                utcPointer(source.Payment.PaidAt),
		PaymentHeldAt:         utcPointer(source.Payment.HeldAt),
		PaymentReleasedAt:     utcPointer(source.Payment.ReleasedAt),
		EscrowStatus:          string(source.Escrow.Status),
		EscrowHeldAt:          utcPointer(source.Escrow.HeldAt),
		ReleaseScheduledFor:   utcPointer(source.Escrow.ReleaseScheduledFor),
		SettledAt:             utcPointer(source.Escrow.SettledAt),
		ReleasedAmountCents:   source.Escrow.ReleasedAmount.Int64(),
		RefundedAmountCents:   source.Escrow.RefundedAmount.Int64(),
		SessionChannel:        source.Session.Channel,
		SessionActive:         source.Session.IsActive,
		SessionStartedAt:      utcPointer(source.Session.StartedAt),
		SessionEndedAt:        utcPointer(source.Session.EndedAt),
		ActualDurationMinutes: source.Session.ActualDurationMinutes,
		Cancellation:          cancellation,
		RescheduleRequests:    reschedules,
		IsRescheduled:         source.IsRescheduled,
		StudentRating:         studentRating,
		TutorRating:           tutorRating,
		CreatedAt:             source.CreatedAt.UTC(),
		UpdatedAt:             source.UpdatedAt.UTC(),
	}, nil
}

func fromBookingRecord(record BookingRecord) (booking.Booking, error) {
	date, err := booking.NewCalendarDate(record.Date)
	if err != nil {
		return booking.Booking{}, err
	}
	timeRange, err := booking.NewTimeRange(booking.ClockMinute(record.StartMinute), booking.ClockMinute(record.EndMinute))
	if err != nil {
		return booking.Booking{}, err
	}
	status, err := booking.ParseStatus(record.Status)
	if err != nil {
		return booking.Booking{}, err
	}
	mapped := booking.Booking{
		ID:               record.BookingID,
		StudentID:        record.StudentID,
		TutorID:          record.TutorID,
		SlotID:           record.SlotID,
		Date:             date,
		Range:            timeRange,
		SessionStart:     record.SessionStart,
		SessionEnd:       record.SessionEnd,
		Subject:          record.Subject,
		Notes:            record.Notes,
		TotalAmount:      booking.AmountCents(record.TotalAmountCents),
		PlatformFee:      booking.AmountCents(record.PlatformFeeCents),
		TutorEarnings:    booking.AmountCents(record.TutorEarningsCents),
		Status:           status,
		LockExpiresAt:    record.LockExpiresAt,
		MeetingReference: record.MeetingReference,
		Payment: booking.Payment{
			Status:      booking.PaymentStatus(record.PaymentStatus),
			Method:      booking.PaymentMethod(record.PaymentMethod),
			Amount:      booking.AmountCents(record.PaymentAmountCents),
			Reference:   stringOrEmpty(record.PaymentReference),
			CheckoutURL: record.CheckoutURL,
			PaidAt:      record.PaidAt,
			HeldAt:      record.PaymentHeldAt,
			ReleasedAt:  record.PaymentReleasedAt,
		},
		Escrow: booking.Escrow{
			Status:              booking.EscrowStatus(record.EscrowStatus),
			HeldAt:              record.EscrowHeldAt,
			ReleaseScheduledFor: record.ReleaseScheduledFor,
			SettledAt:           record.SettledAt,
			ReleasedAmount:      booking.AmountCents(record.ReleasedAmountCents),
			RefundedAmount:      booking.AmountCents(record.RefundedAmountCents),
		},
		Session: booking.Session{
			Channel:               record.SessionChannel,
			IsActive:              record.SessionActive,
			StartedAt:             record.SessionStartedAt,
			EndedAt:               record.SessionEndedAt,
			ActualDurationMinutes: record.ActualDurationMinutes,
		},
		IsRescheduled: record.IsRescheduled,
		CreatedAt:     record.CreatedAt,
		UpdatedAt:     record.UpdatedAt,
	}
	if err := json.Unmarshal(record.Cancellation, &mapped.Cancellation); err != nil {
		return booking.Booking{}, err
	}
	if err := json.Unmarshal(record.RescheduleRequests, &mapped.RescheduleRequests); err != nil {
		return booking.Booking{}, err
	}
	if err := json.Unmarshal(record.StudentRating, &mapped.StudentRating); err != nil {
		return booking.Booking{}, err
	}
	if err := json.Unmarshal(record.TutorRating, &mapped.TutorRating); err != nil {
		return booking.Booking{}, err
	}
	return mapped, nil
}

func toWalletRecord(wallet booking.Wallet) WalletRecord {
	return WalletRecord{
		UserID:              wallet.UserID,
		AvailableCents:      wallet.Available.Int64(),
		EscrowCents:         wallet.Escrow.Int64(),
		TotalDepositedCents: wallet.TotalDeposited.Int64(),
		TotalSpentCents:     wallet.TotalSpent.Int64(),
		TotalWithdrawnCents: wallet.TotalWithdrawn.Int64(),
		TotalRefundedCents:  wallet.TotalRefunded.Int64(),
		TotalEarnedCents:    wallet.TotalEarned.Int64(),
		Frozen:              wallet.Frozen,
		UpdatedAt:           wallet.UpdatedAt.UTC(),
	}
}

func fromWalletRecord(record WalletRecord) booking.Wallet {
	return booking.Wallet{
		UserID:         record.UserID,
		Available:      booking.AmountCents(record.AvailableCents),
		Escrow:         booking.AmountCents(record.EscrowCents),
		TotalDeposited: booking.AmountCents(record.TotalDepositedCents),
		TotalSpent:     booking.AmountCents(record.TotalSpentCents),
		TotalWithdrawn: booking.AmountCents(record.TotalWithdrawnCents),
		TotalRefunded:  booking.AmountCents(record.TotalRefundedCents),
		TotalEarned:    booking.AmountCents(record.TotalEarnedCents),
		Frozen:         record.Frozen,
		UpdatedAt:      record.UpdatedAt,
	}
}

func marshalJSON(value interface{}) (datatypes.JSON, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return datatypesJSON(string(encoded), defaultNullJSON), nil
}

func datatypesJSON(raw string, fallback string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(fallback))
	}
	return datatypes.JSON([]byte(raw))
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	converted := value.UTC()
	return &converted
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && (constraint == "" || pgErr.ConstraintName == constraint)
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

var _ booking.Store = (*Store)(nil)
