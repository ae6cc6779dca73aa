package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// InitializePayment opens a gateway checkout for the booking total and stores the
// payment reference on the booking.
func (service *Service) InitializePayment(ctx context.Context, bookingID string, studentID string, payerEmail string) (Booking, error) {
	var updated Booking
	operationError := func() error {
		if service.gateway == nil {
			return fmt.Errorf("%w: payment gateway is not configured", ErrInvalidServiceConfig)
		}
		current, err := service.store.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if err := service.checkPayable(current, studentID); err != nil {
			return err
		}
		reference := paymentReferencePrefix + current.ID + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		checkoutURL, err := service.gateway.InitializePayment(ctx, PaymentInitRequest{
			Amount:     current.TotalAmount,
			Currency:   service.policy.Currency,
			PayerEmail: strings.TrimSpace(payerEmail),
			Reference:  reference,
			BookingID:  current.ID,
		})
		if err != nil {
			return fmt.Errorf("%w: initialize payment: %v", ErrUpstreamFailure, err)
		}
		updated, err = service.mutate(ctx, bookingID, func(ctx context.Context, transactionStore Store, latest *Booking) error {
			if err := service.checkPayable(*latest, studentID); err != nil {
				return err
			}
			latest.Payment = Payment{
				Status:      PaymentPending,
				Method:      PaymentMethodGateway,
				Amount:      latest.TotalAmount,
				Reference:   reference,
				CheckoutURL: checkoutURL,
			}
			return nil
		})
		return err
	}()
	logOperation(ctx, service.logger, OperationLog{
		Operation: operationInitPayment,
		BookingID: bookingID,
		UserID:    studentID,
		Amount:    updated.TotalAmount,
		Detail:    updated.Payment.Reference,
		Error:     operationError,
	})
	if operationError != nil {
		return Booking{}, operationError
	}
	return updated, nil
}

// VerifyPayment asks the gateway about reference and, on success, credits the
// student's wallet and moves the total into escrow. Verifying a paid reference
// again returns the booking unchanged.
func (service *Service) VerifyPayment(ctx context.Context, reference string) (Booking, error) {
	var updated Booking
	var paidNow bool
	operationError := func() error {
		if service.gateway == nil {
			return fmt.Errorf("%w: payment gateway is not configured", ErrInvalidServiceConfig)
		}
		if strings.TrimSpace(reference) == "" {
			return fmt.Errorf("%w: payment reference is required", ErrValidation)
		}
		current, err := service.store.GetBookingByPaymentReference(ctx, reference)
		if err != nil {
			return err
		}
		if current.Payment.Status == PaymentPaid || current.Payment.Status == PaymentRefunded {
			updated = current
			return nil
		}
		verification, err := service.gateway.VerifyPayment(ctx, reference)
		if err != nil {
			return fmt.Errorf("%w: verify payment: %v", ErrUpstreamFailure, err)
		}
		updated, err = service.mutate(ctx, current.ID, func(ctx context.Context, transactionStore Store, latest *Booking) error {
			if latest.Payment.Reference != reference || latest.Payment.Status == PaymentPaid || latest.Payment.Status == PaymentRefunded {
				return nil
			}
			switch verification.Status {
			case GatewayStatusSuccess:
			case GatewayStatusFailed:
				latest.Payment.Status = PaymentFailed
				return nil
			default:
				return nil
			}
			if verification.Amount != latest.Payment.Amount {
				return fmt.Errorf("%w: gateway reported %s, expected %s", ErrUpstreamFailure, verification.Amount, latest.Payment.Amount)
			}
			now := service.nowFn()
			if _, err := service.escrow.depositTx(ctx, transactionStore, latest.StudentID, latest.ID, verification.Amount, reference); err != nil {
				return err
			}
			latest.Payment.Status = PaymentPaid
			latest.Payment.PaidAt = &now
			paidNow = true
			if !latest.CanBeCancelled() {
				// The booking ended while the checkout was open; the money stays in the wallet.
				latest.Payment.Status = PaymentRefunded
				return nil
			}
			return service.escrow.holdTx(ctx, transactionStore, latest)
		})
		return err
	}()
	logOperation(ctx, service.logger, OperationLog{
		Operation: operationVerifyPayment,
		BookingID: updated.ID,
		UserID:    updated.StudentID,
		Amount:    updated.Payment.Amount,
		Detail:    reference,
		Status:    paymentLogStatus(updated, operationError),
		Error:     operationError,
	})
	if operationError != nil {
		return Booking{}, operationError
	}
	if paidNow && updated.Escrow.Status == EscrowHeld {
		notify(ctx, service.settings, Notification{
			UserID: updated.TutorID,
			Type:   NotificationPaymentReceived,
			Title:  "Payment received",
			Body:   fmt.Sprintf("%s is held in escrow for your session.", updated.TotalAmount),
			Data:   bookingData(updated),
		})
	}
	return updated, nil
}

// HandleWebhook authenticates a gateway callback and re-verifies the payment it names.
// Redelivered events are processed idempotently.
func (service *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (Booking, error) {
	var updated Booking
	operationError := func() error {
		if service.gateway == nil {
			return fmt.Errorf("%w: payment gateway is not configured", ErrInvalidServiceConfig)
		}
		event, err := service.gateway.ParseWebhook(payload, signature)
		if err != nil {
			if errors.Is(err, ErrInvalidSignature) {
				return err
			}
			return fmt.Errorf("%w: webhook payload: %v", ErrValidation, err)
		}
		updated, err = service.VerifyPayment(ctx, event.Reference)
		if err != nil {
			return err
		}
		if event.EventID == "" {
			return nil
		}
		_, err = service.store.RecordPaymentEvent(ctx, event.EventID, event.Reference, service.nowFn())
		return err
	}()
	logOperation(ctx, service.logger, OperationLog{
		Operation: operationWebhook,
		BookingID: updated.ID,
		UserID:    updated.StudentID,
		Error:     operationError,
	})
	if operationError != nil {
		return Booking{}, operationError
	}
	return updated, nil
}

// PayFromWallet funds the booking from the student's available balance.
func (service *Service) PayFromWallet(ctx context.Context, bookingID string, studentID string) (Booking, error) {
	updated, operationError := service.mutate(ctx, bookingID, func(ctx context.Context, transactionStore Store, current *Booking) error {
		if err := service.checkPayable(*current, studentID); err != nil {
			return err
		}
		now := service.nowFn()
		current.Payment = Payment{
			Status:    PaymentPaid,
			Method:    PaymentMethodWallet,
			Amount:    current.TotalAmount,
			Reference: paymentReferencePrefix + current.ID + "-wallet",
			PaidAt:    &now,
		}
		return service.escrow.holdTx(ctx, transactionStore, current)
	})
	logOperation(ctx, service.logger, OperationLog{
		Operation: operationPayFromWallet,
		BookingID: bookingID,
		UserID:    studentID,
		Amount:    updated.TotalAmount,
		Error:     operationError,
	})
	if operationError != nil {
		return Booking{}, operationError
	}
	notify(ctx, service.settings, Notification{
		UserID: updated.TutorID,
		Type:   NotificationPaymentReceived,
		Title:  "Payment received",
		Body:   fmt.Sprintf("%s is held in escrow for your session.", updated.TotalAmount),
		Data:   bookingData(updated),
	})
	return updated, nil
}

func (service *Service) checkPayable(current Booking, studentID string) error {
	if current.StudentID != studentID {
		return fmt.Errorf("%w: only the student may pay", ErrUnauthorized)
	}
	if current.Payment.Status == PaymentPaid {
		return fmt.Errorf("%w: booking already paid", ErrAlreadyProcessed)
	}
	if !current.CanBeCancelled() {
		return fmt.Errorf("%w: cannot pay for a %s booking", ErrInvalidTransition, current.Status)
	}
	if current.LockExpiresAt != nil && !current.LockExpiresAt.After(service.nowFn()) {
		return fmt.Errorf("%w: booking request expired", ErrInvalidTransition)
	}
	return nil
}

func paymentLogStatus(current Booking, err error) string {
	if err != nil {
		return ""
	}
	return string(current.Payment.Status)
}
