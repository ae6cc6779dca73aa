package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/tutorbook/pkg/booking"
)

func TestWithTxRollsBackOnError(t *testing.T) {
	t.Parallel()
	store := New()
	ctx := context.Background()
	failure := errors.New("boom")

	err := store.WithTx(ctx, func(ctx context.Context, txStore booking.Store) error {
		if err := txStore.SaveWallet(ctx, booking.Wallet{UserID: "student-1", Available: 5000}); err != nil {
			return err
		}
		return txStore.WithTx(ctx, func(ctx context.Context, nested booking.Store) error {
			if err := nested.CreateBooking(ctx, booking.Booking{ID: "booking-1"}); err != nil {
				return err
			}
			return failure
		})
	})
	if !errors.Is(err, failure) {
		t.Fatalf("expected callback error, got %v", err)
	}
	wallet, err := store.GetWallet(ctx, "student-1")
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if wallet.Available != 0 {
		t.Fatalf("wallet leaked from failed transaction: %+v", wallet)
	}
	if _, err := store.GetBooking(ctx, "booking-1"); !errors.Is(err, booking.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for rolled back booking, got %v", err)
	}
}

func TestWithTxPublishesOnSuccess(t *testing.T) {
	t.Parallel()
	store := New()
	ctx := context.Background()

	err := store.WithTx(ctx, func(ctx context.Context, txStore booking.Store) error {
		return txStore.CreateBooking(ctx, booking.Booking{ID: "booking-1", Escrow: booking.Escrow{Status: booking.EscrowNone}})
	})
	if err != nil {
		t.Fatalf("with tx: %v", err)
	}
	if err := store.CreateBooking(ctx, booking.Booking{ID: "booking-1"}); !errors.Is(err, booking.ErrValidation) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
}

func TestUpdateEscrowStatusCompareAndSet(t *testing.T) {
	t.Parallel()
	store := New()
	ctx := context.Background()
	if err := store.CreateBooking(ctx, booking.Booking{ID: "booking-1", Escrow: booking.Escrow{Status: booking.EscrowNone}}); err != nil {
		t.Fatalf("create booking: %v", err)
	}
	if err := store.UpdateEscrowStatus(ctx, "booking-1", booking.EscrowNone, booking.EscrowHeld); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if err := store.UpdateEscrowStatus(ctx, "booking-1", booking.EscrowNone, booking.EscrowHeld); !errors.Is(err, booking.ErrEscrowStatusConflict) {
		t.Fatalf("expected ErrEscrowStatusConflict, got %v", err)
	}
	if err := store.UpdateEscrowStatus(ctx, "missing", booking.EscrowNone, booking.EscrowHeld); !errors.Is(err, booking.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIdempotencyMarkers(t *testing.T) {
	t.Parallel()
	store := New()
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	first, err := store.MarkReminderSent(ctx, "booking-1", booking.Reminder1Hour, at)
	if err != nil || !first {
		t.Fatalf("first reminder mark: first=%v err=%v", first, err)
	}
	again, err := store.MarkReminderSent(ctx, "booking-1", booking.Reminder1Hour, at)
	if err != nil || again {
		t.Fatalf("repeat reminder mark: first=%v err=%v", again, err)
	}
	other, err := store.MarkReminderSent(ctx, "booking-1", booking.Reminder15Minutes, at)
	if err != nil || !other {
		t.Fatalf("other kind mark: first=%v err=%v", other, err)
	}

	recorded, err := store.RecordPaymentEvent(ctx, "event-1", "tx-1", at)
	if err != nil || !recorded {
		t.Fatalf("first event: recorded=%v err=%v", recorded, err)
	}
	duplicate, err := store.RecordPaymentEvent(ctx, "event-1", "tx-1", at)
	if err != nil || duplicate {
		t.Fatalf("duplicate event: recorded=%v err=%v", duplicate, err)
	}
}

func TestListTransactionsNewestFirstWithLimit(t *testing.T) {
	t.Parallel()
	store := New()
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	for index := 0; index < 4; index++ {
		transaction := booking.Transaction{ID: string(rune('a' + index)), UserID: "student-1", CreatedAt: base.Add(time.Duration(index) * time.Minute)}
		if err := store.InsertTransaction(ctx, transaction); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := store.InsertTransaction(ctx, booking.Transaction{ID: "z", UserID: "student-2", CreatedAt: base}); err != nil {
		t.Fatalf("insert other user: %v", err)
	}

	listed, err := store.ListTransactions(ctx, "student-1", base.Add(3*time.Minute), 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 2 || listed[0].ID != "c" || listed[1].ID != "b" {
		t.Fatalf("unexpected page: %+v", listed)
	}
}
