package booking

import (
	"context"
	"fmt"
	"hash/crc32"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	minimumRatingScore = 1
	maximumRatingScore = 5
)

// Dependencies groups the collaborators of a Service.
type Dependencies struct {
	Store   Store
	Clock   Clock
	Policy  Policy
	Slots   *SlotManager
	Escrow  *EscrowLedger
	Gateway PaymentGateway
	Tokens  SessionTokenIssuer
}

// Service drives bookings through their lifecycle:
// pending -> confirmed|declined|cancelled, confirmed -> completed|cancelled|no_show.
type Service struct {
	store   Store
	nowFn   Clock
	policy  Policy
	slots   *SlotManager
	escrow  *EscrowLedger
	gateway PaymentGateway
	tokens  SessionTokenIssuer
	settings
}

// NewService validates dependencies and returns a Service.
func NewService(dependencies Dependencies, options ...Option) (*Service, error) {
	if dependencies.Store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if dependencies.Clock == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if dependencies.Slots == nil || dependencies.Escrow == nil {
		return nil, fmt.Errorf("%w: slot manager and escrow ledger are required", ErrInvalidServiceConfig)
	}
	if err := dependencies.Policy.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		store:    dependencies.Store,
		nowFn:    dependencies.Clock,
		policy:   dependencies.Policy,
		slots:    dependencies.Slots,
		escrow:   dependencies.Escrow,
		gateway:  dependencies.Gateway,
		tokens:   dependencies.Tokens,
		settings: applyOptions(options),
	}, nil
}

// BookingRequest is a student's request for a published slot.
type BookingRequest struct {
	StudentID string
	SlotID    string
	Subject   string
	Notes     string
}

// RescheduleInput proposes a new date and time for a booking.
type RescheduleInput struct {
	BookingID string
	ActorID   string
	Date      CalendarDate
	Range     TimeRange
	Reason    string
}

// RatingInput is a participant's rating of a completed session.
type RatingInput struct {
	BookingID string
	ActorID   string
	Score     int
	Comment   string
}

// SessionJoin carries what a participant needs to enter the live session.
type SessionJoin struct {
	Booking       Booking
	Channel       string
	ParticipantID uint32
	Token         string
}

// CreateRequest locks the slot for the student and creates a pending booking.
// Re-requesting the same slot while the lock is live extends the lock.
func (service *Service) CreateRequest(ctx context.Context, request BookingRequest) (Booking, error) {
	var created Booking
	var extended bool
	operationError := func() error {
		if strings.TrimSpace(request.StudentID) == "" || strings.TrimSpace(request.SlotID) == "" {
			return fmt.Errorf("%w: student and slot are required", ErrValidation)
		}
		slot, err := service.store.GetSlot(ctx, request.SlotID)
		if err != nil {
			return err
		}
		if slot.TutorID == request.StudentID {
			return fmt.Errorf("%w: tutors cannot book themselves", ErrValidation)
		}
		quote, err := service.policy.Fees.QuoteFor(slot.Range.DurationMinutes(), slot.PricePerHourCents)
		if err != nil {
			return err
		}
		unlock, err := service.slots.lockRegion(ctx, slot.TutorID, slot.Date)
		if err != nil {
			return err
		}
		defer unlock()
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			template := Booking{
				StudentID:     request.StudentID,
				TutorID:       slot.TutorID,
				SlotID:        slot.ID,
				Date:          slot.Date,
				Range:         slot.Range,
				Subject:       strings.TrimSpace(request.Subject),
				Notes:         strings.TrimSpace(request.Notes),
				TotalAmount:   quote.TotalAmount,
				PlatformFee:   quote.PlatformFee,
				TutorEarnings: quote.TutorEarnings,
			}
			claimed, wasExtended, err := service.slots.acquireTx(ctx, transactionStore, template, service.policy.LockTTL)
			if err != nil {
				return err
			}
			extended = wasExtended
			created = claimed
			if wasExtended {
				return nil
			}
			current, err := transactionStore.GetSlot(ctx, slot.ID)
			if err != nil {
				return err
			}
			if !current.CanBeBooked(service.nowFn(), service.policy.Location) {
				return ErrSlotConflict
			}
			return transactionStore.AttachSlotBooking(ctx, slot.ID, claimed.ID)
		})
	}()
	logOperation(ctx, service.logger, OperationLog{
		Operation: operationCreateRequest,
		BookingID: created.ID,
		UserID:    request.StudentID,
		Amount:    created.TotalAmount,
		Detail:    request.SlotID,
		Error:     operationError,
	})
	if operationError != nil {
		return Booking{}, operationError
	}
	if !extended {
		notify(ctx, service.settings, Notification{
			UserID: created.TutorID,
			Type:   NotificationBookingRequested,
			Title:  "New booking request",
			Body:   fmt.Sprintf("A student requested %s %s.", created.Date, created.Range),
			Data:   bookingData(created),
		})
	}
	return created, nil
}

// Accept confirms a pending booking. Only the tutor may accept.
func (service *Service) Accept(ctx context.Context, bookingID string, tutorID string) (Booking, error) {
	updated, operationError := service.mutate(ctx, bookingID, func(ctx context.Context, transactionStore Store, current *Booking) error {
		if current.TutorID != tutorID {
			return fmt.Errorf("%w: only the tutor may accept", ErrUnauthorized)
		}
		if current.Status == StatusConfirmed {
			return fmt.Errorf("%w: booking already confirmed", ErrAlreadyProcessed)
		}
		if current.Status != StatusPending {
			return fmt.Errorf("%w: cannot accept a %s booking", ErrInvalidTransition, current.Status)
		}
		now := service.nowFn()
		if current.LockExpiresAt != nil && !current.LockExpiresAt.After(now) {
			return fmt.Errorf("%w: booking request expired", ErrInvalidTransition)
		}
		current.Status = StatusConfirmed
		current.LockExpiresAt = nil
		current.MeetingReference = sessionChannelPrefix + current.ID
		current.Session.Channel = current.MeetingReference
		return nil
	})
	logOperation(ctx, service.logger, OperationLog{Operation: operationAccept, BookingID: bookingID, UserID: tutorID, Error: operationError})
	if operationError != nil {
		return Booking{}, operationError
	}
	notify(ctx, service.settings, Notification{
		UserID: updated.StudentID,
		Type:   NotificationBookingAccepted,
		Title:  "Booking confirmed",
		Body:   fmt.Sprintf("Your session on %s %s was accepted.", updated.Date, updated.Range),
		Data:   bookingData(updated),
	})
	return updated, nil
}

// Decline rejects a pending booking, frees its slot and refunds any escrow in full.
func (service *Service) Decline(ctx context.Context, bookingID string, tutorID string, reason string) (Booking, error) {
	updated, operationError := service.mutate(ctx, bookingID, func(ctx context.Context, transactionStore Store, current *Booking) error {
		if current.TutorID != tutorID {
			return fmt.Errorf("%w: only the tutor may decline", ErrUnauthorized)
		}
		if current.Status == StatusDeclined {
			return fmt.Errorf("%w: booking already declined", ErrAlreadyProcessed)
		}
		if current.Status != StatusPending {
			return fmt.Errorf("%w: cannot decline a %s booking", ErrInvalidTransition, current.Status)
		}
		decision := fixedRefund(current.TotalAmount, fullPercentage, refundReasonDecline)
		if err := service.settleCancellation(ctx, transactionStore, current, decision); err != nil {
			return err
		}
		current.Status = StatusDeclined
		current.Cancellation = &Cancellation{
			CancelledBy:      tutorID,
			Reason:           strings.TrimSpace(reason),
			At:               service.nowFn(),
			RefundPercentage: decision.Percentage,
			RefundAmount:     current.Escrow.RefundedAmount,
			RefundReason:     decision.Reason,
		}
		return nil
	})
	logOperation(ctx, service.logger, OperationLog{Operation: operationDecline, BookingID: bookingID, UserID: tutorID, Detail: reason, Error: operationError})
	if operationError != nil {
		return Booking{}, operationError
	}
	notify(ctx, service.settings, Notification{
		UserID: updated.StudentID,
		Type:   NotificationBookingDeclined,
		Title:  "Booking declined",
		Body:   "The tutor declined your booking request.",
		Data:   bookingData(updated),
	})
	return updated, nil
}

// Cancel cancels a pending or confirmed booking. A student cancellation is refunded
// by the refund policy; a tutor cancellation is refunded in full.
func (service *Service) Cancel(ctx context.Context, bookingID string, actorID string, reason string) (Booking, error) {
	updated, operationError := service.mutate(ctx, bookingID, func(ctx context.Context, transactionStore Store, current *Booking) error {
		if !current.IsParticipant(actorID) {
			return fmt.Errorf("%w: not a participant", ErrUnauthorized)
		}
		if !current.CanBeCancelled() {
			return fmt.Errorf("%w: cannot cancel a %s booking", ErrInvalidTransition, current.Status)
		}
		now := service.nowFn()
		decision := service.policy.Refund.CalculateRefund(current.TotalAmount, current.SessionStart.Sub(now))
		if actorID == current.TutorID {
			decision = fixedRefund(current.TotalAmount, fullPercentage, refundReasonTutor)
		}
		if err := service.settleCancellation(ctx, transactionStore, current, decision); err != nil {
			return err
		}
		current.Status = StatusCancelled
		current.Cancellation = &Cancellation{
			CancelledBy:      actorID,
			Reason:           strings.TrimSpace(reason),
			At:               now,
			RefundPercentage: decision.Percentage,
			RefundAmount:     current.Escrow.RefundedAmount,
			RefundReason:     decision.Reason,
		}
		return nil
	})
	logOperation(ctx, service.logger, OperationLog{
		Operation: operationCancel,
		BookingID: bookingID,
		UserID:    actorID,
		Amount:    updated.Escrow.RefundedAmount,
		Detail:    reason,
		Error:     operationError,
	})
	if operationError != nil {
		return Booking{}, operationError
	}
	notify(ctx, service.settings, Notification{
		UserID: counterpart(updated, actorID),
		Type:   NotificationBookingCancelled,
		Title:  "Booking cancelled",
		Body:   fmt.Sprintf("The session on %s %s was cancelled.", updated.Date, updated.Range),
		Data:   bookingData(updated),
	})
	if updated.Escrow.RefundedAmount > 0 {
		notify(ctx, service.settings, Notification{
			UserID: updated.StudentID,
			Type:   NotificationRefundIssued,
			Title:  "Refund issued",
			Body:   fmt.Sprintf("%s was returned to your wallet.", updated.Escrow.RefundedAmount),
			Data:   bookingData(updated),
		})
	}
	return updated, nil
}

// StartSession checks the join window and issues a live-session token to a participant.
// The first join marks the session active; later joins only issue tokens.
func (service *Service) StartSession(ctx context.Context, bookingID string, actorID string) (SessionJoin, error) {
	var join SessionJoin
	var firstJoin bool
	operationError := func() error {
		if service.tokens == nil {
			return fmt.Errorf("%w: session token issuer is not configured", ErrInvalidServiceConfig)
		}
		current, err := service.store.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if err := service.checkJoinable(current, actorID); err != nil {
			return err
		}
		channel := current.Session.Channel
		if channel == "" {
			channel = sessionChannelPrefix + current.ID
		}
		participantID := ParticipantUID(actorID)
		token, err := service.tokens.IssueSessionToken(ctx, channel, participantID, participantRolePublisher)
		if err != nil {
			return fmt.Errorf("%w: session token: %v", ErrUpstreamFailure, err)
		}
		updated, err := service.mutate(ctx, bookingID, func(ctx context.Context, transactionStore Store, latest *Booking) error {
			if err := service.checkJoinable(*latest, actorID); err != nil {
				return err
			}
			latest.Session.Channel = channel
			if !latest.Session.IsActive {
				now := service.nowFn()
				latest.Session.IsActive = true
				latest.Session.StartedAt = &now
				firstJoin = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		join = SessionJoin{Booking: updated, Channel: channel, ParticipantID: participantID, Token: token}
		return nil
	}()
	logOperation(ctx, service.logger, OperationLog{Operation: operationStartSession, BookingID: bookingID, UserID: actorID, Error: operationError})
	if operationError != nil {
		return SessionJoin{}, operationError
	}
	if firstJoin {
		notify(ctx, service.settings, Notification{
			UserID: counterpart(join.Booking, actorID),
			Type:   NotificationSessionStarted,
			Title:  "Session started",
			Body:   "Your session has started. Join now.",
			Data:   bookingData(join.Booking),
		})
	}
	return join, nil
}

// EndSession completes an active session and schedules the escrow release.
func (service *Service) EndSession(ctx context.Context, bookingID string, actorID string) (Booking, error) {
	updated, operationError := service.mutate(ctx, bookingID, func(ctx context.Context, transactionStore Store, current *Booking) error {
		if !current.IsParticipant(actorID) {
			return fmt.Errorf("%w: not a participant", ErrUnauthorized)
		}
		if current.Status == StatusCompleted {
			return fmt.Errorf("%w: session already ended", ErrAlreadyProcessed)
		}
		if current.Status != StatusConfirmed || !current.Session.IsActive {
			return fmt.Errorf("%w: session is not active", ErrInvalidTransition)
		}
		now := service.nowFn()
		current.Session.IsActive = false
		current.Session.EndedAt = &now
		if current.Session.StartedAt != nil {
			current.Session.ActualDurationMinutes = int(now.Sub(*current.Session.StartedAt).Round(time.Minute) / time.Minute)
		}
		current.Status = StatusCompleted
		service.scheduleRelease(current, now)
		return nil
	})
	logOperation(ctx, service.logger, OperationLog{Operation: operationEndSession, BookingID: bookingID, UserID: actorID, Error: operationError})
	if operationError != nil {
		return Booking{}, operationError
	}
	for _, participant := range []string{updated.StudentID, updated.TutorID} {
		notify(ctx, service.settings, Notification{
			UserID: participant,
			Type:   NotificationSessionCompleted,
			Title:  "Session completed",
			Body:   fmt.Sprintf("Session lasted %d minutes.", updated.Session.ActualDurationMinutes),
			Data:   bookingData(updated),
		})
	}
	return updated, nil
}

// MarkNoShow lets the tutor close a confirmed booking nobody joined once its end has passed.
func (service *Service) MarkNoShow(ctx context.Context, bookingID string, tutorID string) (Booking, error) {
	updated, operationError := service.mutate(ctx, bookingID, func(ctx context.Context, transactionStore Store, current *Booking) error {
		if current.TutorID != tutorID {
			return fmt.Errorf("%w: only the tutor may report a no-show", ErrUnauthorized)
		}
		if current.Status == StatusNoShow {
			return fmt.Errorf("%w: already marked as no-show", ErrAlreadyProcessed)
		}
		if current.Status != StatusConfirmed || current.Session.StartedAt != nil {
			return fmt.Errorf("%w: cannot mark a %s booking as no-show", ErrInvalidTransition, current.Status)
		}
		now := service.nowFn()
		if now.Before(current.SessionEnd) {
			return fmt.Errorf("%w: session has not ended yet", ErrInvalidTransition)
		}
		current.Status = StatusNoShow
		service.scheduleRelease(current, now)
		return nil
	})
	logOperation(ctx, service.logger, OperationLog{Operation: operationNoShow, BookingID: bookingID, UserID: tutorID, Error: operationError})
	if operationError != nil {
		return Booking{}, operationError
	}
	return updated, nil
}

// RequestReschedule records a proposed new time; the other participant must respond.
func (service *Service) RequestReschedule(ctx context.Context, input RescheduleInput) (RescheduleRequest, error) {
	var proposed RescheduleRequest
	updated, operationError := service.mutate(ctx, input.BookingID, func(ctx context.Context, transactionStore Store, current *Booking) error {
		if !current.IsParticipant(input.ActorID) {
			return fmt.Errorf("%w: not a participant", ErrUnauthorized)
		}
		if input.Date.IsZero() {
			return fmt.Errorf("%w: date is required", ErrValidation)
		}
		if _, err := NewTimeRange(input.Range.Start, input.Range.End); err != nil {
			return err
		}
		now := service.nowFn()
		if !current.CanBeRescheduled(now, service.policy.RescheduleMinimumNotice) {
			return fmt.Errorf("%w: booking can no longer be rescheduled", ErrInvalidTransition)
		}
		if _, open := current.PendingReschedule(); open {
			return fmt.Errorf("%w: a reschedule request is already pending", ErrInvalidTransition)
		}
		if !input.Date.At(input.Range.Start, service.policy.Location).After(now) {
			return fmt.Errorf("%w: new time must be in the future", ErrValidation)
		}
		proposed = RescheduleRequest{
			ID:          uuid.NewString(),
			RequestedBy: input.ActorID,
			Date:        input.Date,
			Range:       input.Range,
			Reason:      strings.TrimSpace(input.Reason),
			Status:      ReschedulePending,
			CreatedAt:   now,
		}
		current.RescheduleRequests = append(current.RescheduleRequests, proposed)
		return nil
	})
	logOperation(ctx, service.logger, OperationLog{Operation: operationReschedule, BookingID: input.BookingID, UserID: input.ActorID, Error: operationError})
	if operationError != nil {
		return RescheduleRequest{}, operationError
	}
	notify(ctx, service.settings, Notification{
		UserID: counterpart(updated, input.ActorID),
		Type:   NotificationRescheduleRequest,
		Title:  "Reschedule requested",
		Body:   fmt.Sprintf("Proposed new time: %s %s.", proposed.Date, proposed.Range),
		Data:   bookingData(updated),
	})
	return proposed, nil
}

// RespondToReschedule accepts or rejects a pending reschedule request. Accepting moves
// the booking to the new time if it does not collide with the tutor's other bookings.
func (service *Service) RespondToReschedule(ctx context.Context, bookingID string, requestID string, responderID string, accept bool) (Booking, error) {
	var requester string
	outcome := string(RescheduleRejected)
	if accept {
		outcome = string(RescheduleAccepted)
	}
	operationError := func() error {
		current, err := service.store.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		request, found := findReschedule(current, requestID)
		if !found {
			return fmt.Errorf("%w: reschedule request %s", ErrNotFound, requestID)
		}
		unlock := func() {}
		if accept {
			unlock, err = service.slots.lockRegion(ctx, current.TutorID, request.Date)
			if err != nil {
				return err
			}
		}
		defer unlock()
		_, err = service.mutate(ctx, bookingID, func(ctx context.Context, transactionStore Store, latest *Booking) error {
			return service.applyRescheduleResponse(ctx, transactionStore, latest, requestID, responderID, accept)
		})
		return err
	}()
	logOperation(ctx, service.logger, OperationLog{
		Operation: operationRespond,
		BookingID: bookingID,
		UserID:    responderID,
		Detail:    outcome,
		Error:     operationError,
	})
	if operationError != nil {
		return Booking{}, operationError
	}
	updated, err := service.store.GetBooking(ctx, bookingID)
	if err != nil {
		return Booking{}, err
	}
	if request, found := findReschedule(updated, requestID); found {
		requester = request.RequestedBy
	}
	notify(ctx, service.settings, Notification{
		UserID: requester,
		Type:   NotificationRescheduleResponse,
		Title:  "Reschedule answered",
		Body:   fmt.Sprintf("Your reschedule request was %s.", outcome),
		Data:   bookingData(updated),
	})
	return updated, nil
}

func (service *Service) applyRescheduleResponse(ctx context.Context, transactionStore Store, current *Booking, requestID string, responderID string, accept bool) error {
	if !current.IsParticipant(responderID) {
		return fmt.Errorf("%w: not a participant", ErrUnauthorized)
	}
	index := -1
	for position, request := range current.RescheduleRequests {
		if request.ID == requestID {
			index = position
		}
	}
	if index < 0 {
		return fmt.Errorf("%w: reschedule request %s", ErrNotFound, requestID)
	}
	request := current.RescheduleRequests[index]
	if request.Status != ReschedulePending {
		return fmt.Errorf("%w: reschedule request already %s", ErrAlreadyProcessed, request.Status)
	}
	if request.RequestedBy == responderID {
		return fmt.Errorf("%w: requester cannot answer their own request", ErrUnauthorized)
	}
	now := service.nowFn()
	if accept {
		if !current.CanBeCancelled() {
			return fmt.Errorf("%w: cannot reschedule a %s booking", ErrInvalidTransition, current.Status)
		}
		if !request.Date.At(request.Range.Start, service.policy.Location).After(now) {
			return fmt.Errorf("%w: proposed time has passed", ErrInvalidTransition)
		}
		dayBookings, err := transactionStore.ListTutorBookings(ctx, current.TutorID, request.Date)
		if err != nil {
			return err
		}
		for _, other := range dayBookings {
			if other.ID != current.ID && other.BlocksRange(now) && other.Range.Overlaps(request.Range) {
				return fmt.Errorf("%w: tutor is booked at %s %s", ErrSlotConflict, request.Date, request.Range)
			}
		}
		if current.SlotID != "" {
			if err := transactionStore.DetachSlotBooking(ctx, current.SlotID, current.ID); err != nil {
				return err
			}
			current.SlotID = ""
		}
		current.Date = request.Date
		current.Range = request.Range
		current.SessionStart = request.Date.At(request.Range.Start, service.policy.Location)
		current.SessionEnd = request.Date.At(request.Range.End, service.policy.Location)
		current.IsRescheduled = true
		request.Status = RescheduleAccepted
	} else {
		request.Status = RescheduleRejected
	}
	request.RespondedBy = responderID
	request.RespondedAt = &now
	current.RescheduleRequests[index] = request
	return nil
}

// Rate records a participant's rating of a completed session. Each side rates once.
func (service *Service) Rate(ctx context.Context, input RatingInput) (Booking, error) {
	updated, operationError := service.mutate(ctx, input.BookingID, func(ctx context.Context, transactionStore Store, current *Booking) error {
		if !current.IsParticipant(input.ActorID) {
			return fmt.Errorf("%w: not a participant", ErrUnauthorized)
		}
		if input.Score < minimumRatingScore || input.Score > maximumRatingScore {
			return fmt.Errorf("%w: score must be within %d..%d", ErrValidation, minimumRatingScore, maximumRatingScore)
		}
		if current.Status != StatusCompleted {
			return fmt.Errorf("%w: only completed sessions can be rated", ErrInvalidTransition)
		}
		rating := &Rating{Score: input.Score, Comment: strings.TrimSpace(input.Comment), CreatedAt: service.nowFn()}
		if input.ActorID == current.StudentID {
			if current.StudentRating != nil {
				return fmt.Errorf("%w: student already rated", ErrAlreadyProcessed)
			}
			current.StudentRating = rating
			return transactionStore.AddTutorRating(ctx, current.TutorID, input.Score)
		}
		if current.TutorRating != nil {
			return fmt.Errorf("%w: tutor already rated", ErrAlreadyProcessed)
		}
		current.TutorRating = rating
		return nil
	})
	logOperation(ctx, service.logger, OperationLog{
		Operation: operationRate,
		BookingID: input.BookingID,
		UserID:    input.ActorID,
		Detail:    fmt.Sprintf("score=%d", input.Score),
		Error:     operationError,
	})
	if operationError != nil {
		return Booking{}, operationError
	}
	return updated, nil
}

// Get returns a booking visible to a participant.
func (service *Service) Get(ctx context.Context, bookingID string, actorID string) (Booking, error) {
	current, err := service.store.GetBooking(ctx, bookingID)
	if err != nil {
		return Booking{}, err
	}
	if !current.IsParticipant(actorID) {
		return Booking{}, fmt.Errorf("%w: not a participant", ErrUnauthorized)
	}
	return current, nil
}

// TutorRating returns the tutor's aggregate rating.
func (service *Service) TutorRating(ctx context.Context, tutorID string) (TutorRating, error) {
	if strings.TrimSpace(tutorID) == "" {
		return TutorRating{}, fmt.Errorf("%w: tutor id is required", ErrValidation)
	}
	return service.store.GetTutorRating(ctx, tutorID)
}

// ParticipantUID maps a user id onto the numeric participant id live-session providers expect.
func ParticipantUID(userID string) uint32 {
	return crc32.ChecksumIEEE([]byte(userID))
}

// mutate loads a booking inside a transaction, applies change and persists it.
func (service *Service) mutate(ctx context.Context, bookingID string, change func(ctx context.Context, transactionStore Store, current *Booking) error) (Booking, error) {
	var updated Booking
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if err := change(ctx, transactionStore, &current); err != nil {
			return err
		}
		current.UpdatedAt = service.nowFn()
		if err := transactionStore.UpdateBooking(ctx, current); err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		return Booking{}, err
	}
	return updated, nil
}

// settleCancellation frees the slot and settles any held escrow according to decision.
func (service *Service) settleCancellation(ctx context.Context, transactionStore Store, current *Booking, decision RefundDecision) error {
	if current.SlotID != "" {
		if err := transactionStore.DetachSlotBooking(ctx, current.SlotID, current.ID); err != nil {
			return err
		}
	}
	current.LockExpiresAt = nil
	if current.Escrow.Status != EscrowHeld {
		return nil
	}
	return service.escrow.refundTx(ctx, transactionStore, current, decision.Percentage)
}

func (service *Service) scheduleRelease(current *Booking, now time.Time) {
	if current.Escrow.Status != EscrowHeld {
		return
	}
	releaseAt := now.Add(service.policy.ReleaseDelay)
	current.Escrow.ReleaseScheduledFor = &releaseAt
}

func (service *Service) checkJoinable(current Booking, actorID string) error {
	if !current.IsParticipant(actorID) {
		return fmt.Errorf("%w: not a participant", ErrUnauthorized)
	}
	if current.Status != StatusConfirmed {
		return fmt.Errorf("%w: cannot join a %s booking", ErrInvalidTransition, current.Status)
	}
	now := service.nowFn()
	opensAt := current.SessionStart.Add(-service.policy.SessionWindowBefore)
	closesAt := current.SessionStart.Add(service.policy.SessionWindowAfter)
	if now.Before(opensAt) || now.After(closesAt) {
		return fmt.Errorf("%w: session can be joined between %s and %s", ErrInvalidTransition, opensAt.Format(time.RFC3339), closesAt.Format(time.RFC3339))
	}
	return nil
}

func findReschedule(current Booking, requestID string) (RescheduleRequest, bool) {
	for _, request := range current.RescheduleRequests {
		if request.ID == requestID {
			return request, true
		}
	}
	return RescheduleRequest{}, false
}

func counterpart(current Booking, actorID string) string {
	if actorID == current.StudentID {
		return current.TutorID
	}
	return current.StudentID
}

func bookingData(current Booking) map[string]string {
	return map[string]string{
		"booking_id": current.ID,
		"date":       current.Date.String(),
		"time":       current.Range.String(),
		"status":     string(current.Status),
	}
}
