package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultTransactionPageSize = 50

// EscrowLedger moves money between wallets and escrow.
// Every balance change is paired with exactly one Transaction record.
type EscrowLedger struct {
	store Store
	nowFn Clock
	fees  FeePolicy
	settings
}

// NewEscrowLedger wires an EscrowLedger.
func NewEscrowLedger(store Store, now Clock, fees FeePolicy, options ...Option) (*EscrowLedger, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if err := fees.Validate(); err != nil {
		return nil, err
	}
	return &EscrowLedger{store: store, nowFn: now, fees: fees, settings: applyOptions(options)}, nil
}

// Hold moves a paid booking's total from the student's available balance into escrow.
func (ledger *EscrowLedger) Hold(ctx context.Context, bookingID string) error {
	var amount AmountCents
	operationError := ledger.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if current.Escrow.Status != EscrowNone {
			return fmt.Errorf("%w: escrow is %s", ErrAlreadyProcessed, current.Escrow.Status)
		}
		if current.Payment.Status != PaymentPaid {
			return fmt.Errorf("%w: booking is not paid", ErrInvalidTransition)
		}
		amount = current.TotalAmount
		if err := ledger.holdTx(ctx, transactionStore, &current); err != nil {
			return err
		}
		return transactionStore.UpdateBooking(ctx, current)
	})
	logOperation(ctx, ledger.logger, OperationLog{Operation: operationHold, BookingID: bookingID, Amount: amount, Error: operationError})
	return operationError
}

// Release pays the tutor for a completed booking. A second release fails with
// ErrAlreadyReleased and changes nothing.
func (ledger *EscrowLedger) Release(ctx context.Context, bookingID string) error {
	var released Booking
	operationError := ledger.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		switch current.Escrow.Status {
		case EscrowReleased:
			return ErrAlreadyReleased
		case EscrowHeld:
		default:
			return fmt.Errorf("%w: escrow is %s", ErrInvalidTransition, current.Escrow.Status)
		}
		if current.Status != StatusCompleted && current.Status != StatusNoShow {
			return fmt.Errorf("%w: booking is %s", ErrInvalidTransition, current.Status)
		}
		if err := ledger.releaseTx(ctx, transactionStore, &current); err != nil {
			return err
		}
		released = current
		return transactionStore.UpdateBooking(ctx, current)
	})
	logOperation(ctx, ledger.logger, OperationLog{
		Operation: operationRelease,
		BookingID: bookingID,
		UserID:    released.TutorID,
		Amount:    released.Escrow.ReleasedAmount,
		Error:     operationError,
	})
	if operationError != nil {
		return operationError
	}
	notify(ctx, ledger.settings, Notification{
		UserID: released.TutorID,
		Type:   NotificationEscrowReleased,
		Title:  "Payment released",
		Body:   fmt.Sprintf("%s has been added to your wallet.", released.Escrow.ReleasedAmount),
		Data:   map[string]string{"booking_id": released.ID},
	})
	return nil
}

// Refund returns percentage of a held booking to the student; the rest goes to the tutor.
func (ledger *EscrowLedger) Refund(ctx context.Context, bookingID string, percentage int) error {
	var refunded Booking
	operationError := func() error {
		if percentage < 0 || percentage > fullPercentage {
			return fmt.Errorf("%w: refund percentage must be within 0..100", ErrValidation)
		}
		return ledger.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			current, err := transactionStore.GetBooking(ctx, bookingID)
			if err != nil {
				return err
			}
			if current.Escrow.Status != EscrowHeld {
				return fmt.Errorf("%w: escrow is %s", ErrInvalidTransition, current.Escrow.Status)
			}
			if err := ledger.refundTx(ctx, transactionStore, &current, percentage); err != nil {
				return err
			}
			refunded = current
			return transactionStore.UpdateBooking(ctx, current)
		})
	}()
	logOperation(ctx, ledger.logger, OperationLog{
		Operation: operationRefund,
		BookingID: bookingID,
		UserID:    refunded.StudentID,
		Amount:    refunded.Escrow.RefundedAmount,
		Detail:    fmt.Sprintf("percentage=%d", percentage),
		Error:     operationError,
	})
	return operationError
}

// Deposit credits a wallet top-up.
func (ledger *EscrowLedger) Deposit(ctx context.Context, userID string, amount AmountCents, reference string) (Wallet, error) {
	var wallet Wallet
	operationError := func() error {
		if err := validateWalletMutation(userID, amount); err != nil {
			return err
		}
		return ledger.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			updated, err := ledger.depositTx(ctx, transactionStore, userID, "", amount, reference)
			wallet = updated
			return err
		})
	}()
	logOperation(ctx, ledger.logger, OperationLog{Operation: operationDeposit, UserID: userID, Amount: amount, Detail: reference, Error: operationError})
	if operationError != nil {
		return Wallet{}, operationError
	}
	return wallet, nil
}

// Withdraw debits the available balance. Escrowed funds cannot be withdrawn.
func (ledger *EscrowLedger) Withdraw(ctx context.Context, userID string, amount AmountCents, reference string) (Wallet, error) {
	var wallet Wallet
	operationError := func() error {
		if err := validateWalletMutation(userID, amount); err != nil {
			return err
		}
		return ledger.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			entry := Transaction{Type: TransactionWithdrawal, Amount: amount, NetAmount: amount, Reference: reference}
			updated, err := ledger.mutateWallet(ctx, transactionStore, userID, entry, func(current *Wallet) {
				current.Available -= amount
				current.TotalWithdrawn += amount
			})
			wallet = updated
			return err
		})
	}()
	logOperation(ctx, ledger.logger, OperationLog{Operation: operationWithdraw, UserID: userID, Amount: amount, Detail: reference, Error: operationError})
	if operationError != nil {
		return Wallet{}, operationError
	}
	return wallet, nil
}

// Wallet returns the user's balances.
func (ledger *EscrowLedger) Wallet(ctx context.Context, userID string) (Wallet, error) {
	if strings.TrimSpace(userID) == "" {
		return Wallet{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	return ledger.store.GetWallet(ctx, userID)
}

// Transactions lists the user's ledger entries newest first, strictly before before.
// A zero before starts from the newest entry.
func (ledger *EscrowLedger) Transactions(ctx context.Context, userID string, before time.Time, limit int) ([]Transaction, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if limit <= 0 {
		limit = defaultTransactionPageSize
	}
	if before.IsZero() {
		before = ledger.nowFn().Add(time.Nanosecond)
	}
	return ledger.store.ListTransactions(ctx, userID, before, limit)
}

// SetFrozen freezes or unfreezes a wallet. Frozen wallets reject every balance change.
func (ledger *EscrowLedger) SetFrozen(ctx context.Context, userID string, frozen bool) (Wallet, error) {
	var wallet Wallet
	operationError := func() error {
		if strings.TrimSpace(userID) == "" {
			return fmt.Errorf("%w: user id is required", ErrValidation)
		}
		return ledger.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			current, err := transactionStore.GetWallet(ctx, userID)
			if err != nil {
				return err
			}
			current.Frozen = frozen
			current.UpdatedAt = ledger.nowFn()
			wallet = current
			return transactionStore.SaveWallet(ctx, current)
		})
	}()
	logOperation(ctx, ledger.logger, OperationLog{Operation: operationFreeze, UserID: userID, Detail: fmt.Sprintf("frozen=%t", frozen), Error: operationError})
	if operationError != nil {
		return Wallet{}, operationError
	}
	return wallet, nil
}

// DueReleases returns the ids of held bookings whose release time has passed.
func (ledger *EscrowLedger) DueReleases(ctx context.Context, limit int) ([]string, error) {
	due, err := ledger.store.ListDueReleases(ctx, ledger.nowFn(), limit)
	if err != nil {
		return nil, err
	}
	identifiers := make([]string, 0, len(due))
	for _, candidate := range due {
		identifiers = append(identifiers, candidate.ID)
	}
	return identifiers, nil
}

func (ledger *EscrowLedger) depositTx(ctx context.Context, transactionStore Store, userID string, bookingID string, amount AmountCents, reference string) (Wallet, error) {
	entry := Transaction{BookingID: bookingID, Type: TransactionDeposit, Amount: amount, NetAmount: amount, Reference: reference}
	return ledger.mutateWallet(ctx, transactionStore, userID, entry, func(current *Wallet) {
		current.Available += amount
		current.TotalDeposited += amount
	})
}

// holdTx moves the booking total into the student's escrow and marks the booking held.
// The caller persists the booking.
func (ledger *EscrowLedger) holdTx(ctx context.Context, transactionStore Store, target *Booking) error {
	if err := transactionStore.UpdateEscrowStatus(ctx, target.ID, EscrowNone, EscrowHeld); err != nil {
		if errors.Is(err, ErrEscrowStatusConflict) {
			return fmt.Errorf("%w: escrow already held", ErrAlreadyProcessed)
		}
		return err
	}
	amount := target.TotalAmount
	entry := Transaction{BookingID: target.ID, Type: TransactionEscrowHold, Amount: amount, NetAmount: amount, Reference: target.Payment.Reference}
	if _, err := ledger.mutateWallet(ctx, transactionStore, target.StudentID, entry, func(current *Wallet) {
		current.Available -= amount
		current.Escrow += amount
	}); err != nil {
		return err
	}
	now := ledger.nowFn()
	target.Escrow.Status = EscrowHeld
	target.Escrow.HeldAt = &now
	target.Payment.HeldAt = &now
	target.LockExpiresAt = nil
	target.UpdatedAt = now
	return nil
}

// releaseTx settles escrow to the tutor minus the platform fee.
func (ledger *EscrowLedger) releaseTx(ctx context.Context, transactionStore Store, target *Booking) error {
	if err := transactionStore.UpdateEscrowStatus(ctx, target.ID, EscrowHeld, EscrowReleased); err != nil {
		if errors.Is(err, ErrEscrowStatusConflict) {
			return ErrAlreadyReleased
		}
		return err
	}
	total := target.TotalAmount
	fee, earnings := ledger.fees.FeeFor(total)
	payment := Transaction{BookingID: target.ID, Type: TransactionPayment, Amount: total, NetAmount: total, Reference: target.Payment.Reference}
	if _, err := ledger.mutateWallet(ctx, transactionStore, target.StudentID, payment, func(current *Wallet) {
		current.Escrow -= total
		current.TotalSpent += total
	}); err != nil {
		return err
	}
	release := Transaction{BookingID: target.ID, Type: TransactionEscrowRelease, Amount: total, Fee: fee, NetAmount: earnings, Reference: target.Payment.Reference}
	if _, err := ledger.mutateWallet(ctx, transactionStore, target.TutorID, release, func(current *Wallet) {
		current.Available += earnings
		current.TotalEarned += earnings
	}); err != nil {
		return err
	}
	now := ledger.nowFn()
	target.Escrow.Status = EscrowReleased
	target.Escrow.SettledAt = &now
	target.Escrow.ReleasedAmount = earnings
	target.Payment.ReleasedAt = &now
	target.UpdatedAt = now
	return nil
}

// refundTx returns percentage of the escrow to the student. The remainder, less
// the platform fee on it, is paid to the tutor.
func (ledger *EscrowLedger) refundTx(ctx context.Context, transactionStore Store, target *Booking, percentage int) error {
	if err := transactionStore.UpdateEscrowStatus(ctx, target.ID, EscrowHeld, EscrowRefunded); err != nil {
		if errors.Is(err, ErrEscrowStatusConflict) {
			return fmt.Errorf("%w: escrow already settled", ErrAlreadyProcessed)
		}
		return err
	}
	total := target.TotalAmount
	refund, remainder := SplitByPercentage(total, percentage)
	entry := Transaction{
		BookingID:    target.ID,
		Type:         TransactionRefund,
		Amount:       refund,
		NetAmount:    refund,
		Reference:    target.Payment.Reference,
		MetadataJSON: fmt.Sprintf(`{"percentage":%d,"retained":%d}`, percentage, remainder.Int64()),
	}
	if _, err := ledger.mutateWallet(ctx, transactionStore, target.StudentID, entry, func(current *Wallet) {
		current.Escrow -= total
		current.Available += refund
		current.TotalRefunded += refund
		current.TotalSpent += remainder
	}); err != nil {
		return err
	}
	var earnings AmountCents
	if remainder > 0 {
		fee, net := ledger.fees.FeeFor(remainder)
		earnings = net
		release := Transaction{BookingID: target.ID, Type: TransactionEscrowRelease, Amount: remainder, Fee: fee, NetAmount: net, Reference: target.Payment.Reference}
		if _, err := ledger.mutateWallet(ctx, transactionStore, target.TutorID, release, func(current *Wallet) {
			current.Available += net
			current.TotalEarned += net
		}); err != nil {
			return err
		}
	}
	now := ledger.nowFn()
	target.Escrow.Status = EscrowRefunded
	target.Escrow.SettledAt = &now
	target.Escrow.RefundedAmount = refund
	target.Escrow.ReleasedAmount = earnings
	target.Escrow.ReleaseScheduledFor = nil
	if refund > 0 {
		target.Payment.Status = PaymentRefunded
	}
	target.UpdatedAt = now
	return nil
}

// mutateWallet applies change to userID's wallet, rejects frozen wallets and negative
// balances, then stores the wallet together with entry.
func (ledger *EscrowLedger) mutateWallet(ctx context.Context, transactionStore Store, userID string, entry Transaction, change func(current *Wallet)) (Wallet, error) {
	current, err := transactionStore.GetWallet(ctx, userID)
	if err != nil {
		return Wallet{}, err
	}
	if current.Frozen {
		return Wallet{}, fmt.Errorf("%w: %s", ErrWalletFrozen, userID)
	}
	now := ledger.nowFn()
	entry.ID = uuid.NewString()
	entry.UserID = userID
	entry.BalanceBefore = current.Available
	entry.EscrowBefore = current.Escrow
	change(&current)
	if current.Available < 0 {
		return Wallet{}, fmt.Errorf("%w: available balance of %s", ErrInsufficientBalance, userID)
	}
	if current.Escrow < 0 {
		return Wallet{}, fmt.Errorf("%w: escrow balance of %s", ErrInsufficientBalance, userID)
	}
	entry.BalanceAfter = current.Available
	entry.EscrowAfter = current.Escrow
	entry.CreatedAt = now
	current.UpdatedAt = now
	if err := transactionStore.SaveWallet(ctx, current); err != nil {
		return Wallet{}, err
	}
	if err := transactionStore.InsertTransaction(ctx, entry); err != nil {
		return Wallet{}, err
	}
	return current, nil
}

func validateWalletMutation(userID string, amount AmountCents) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be greater than zero", ErrValidation)
	}
	return nil
}
