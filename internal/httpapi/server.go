// Package httpapi exposes the booking engine over HTTP for authenticated students and tutors.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/tutorbook/pkg/booking"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey    = "auth_claims"
	maxWebhookBodyBytes = 1 << 20
	defaultHistoryLimit = 50
	shutdownGracePeriod = 5 * time.Second
	defaultSignatureHdr = "x-chapa-signature"
)

// RouterConfig holds the transport settings of the HTTP facade.
type RouterConfig struct {
	AllowedOrigins   []string
	SignatureHeader  string
	TransactionLimit int
}

// Handler serves the booking HTTP routes.
type Handler struct {
	logger  *zap.Logger
	slots   *booking.SlotManager
	escrow  *booking.EscrowLedger
	service *booking.Service
	cfg     RouterConfig
}

// NewHandler builds a Handler over the booking engine.
func NewHandler(logger *zap.Logger, slots *booking.SlotManager, escrow *booking.EscrowLedger, service *booking.Service, cfg RouterConfig) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = defaultSignatureHdr
	}
	if cfg.TransactionLimit <= 0 {
		cfg.TransactionLimit = defaultHistoryLimit
	}
	return &Handler{logger: logger, slots: slots, escrow: escrow, service: service, cfg: cfg}
}

// NewRouter wires every route. Everything under /api except the payment webhook
// requires a valid session cookie.
func NewRouter(handler *Handler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	registerValidations()
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     handler.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/api/payments/webhook", handler.handleWebhook)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.GET("/session", handler.handleSession)

	api.POST("/slots", handler.handleCreateSlot)
	api.POST("/slots/recurring", handler.handleCreateRecurringSlots)
	api.DELETE("/slots/:slotID", handler.handleDeactivateSlot)
	api.GET("/tutors/:tutorID/availability", handler.handleAvailability)
	api.GET("/tutors/:tutorID/rating", handler.handleTutorRating)

	api.POST("/bookings", handler.handleCreateBooking)
	api.GET("/bookings/:bookingID", handler.handleGetBooking)
	api.POST("/bookings/:bookingID/accept", handler.handleAccept)
	api.POST("/bookings/:bookingID/decline", handler.handleDecline)
	api.POST("/bookings/:bookingID/cancel", handler.handleCancel)
	api.POST("/bookings/:bookingID/start", handler.handleStart)
	api.POST("/bookings/:bookingID/end", handler.handleEnd)
	api.POST("/bookings/:bookingID/no-show", handler.handleNoShow)
	api.POST("/bookings/:bookingID/reschedule", handler.handleRequestReschedule)
	api.POST("/bookings/:bookingID/reschedule/:requestID/respond", handler.handleRespondReschedule)
	api.POST("/bookings/:bookingID/rating", handler.handleRate)
	api.POST("/bookings/:bookingID/payment", handler.handleInitializePayment)
	api.POST("/bookings/:bookingID/pay-from-wallet", handler.handlePayFromWallet)
	api.POST("/payments/verify/:reference", handler.handleVerifyPayment)

	api.GET("/wallet", handler.handleWallet)
	api.GET("/wallet/transactions", handler.handleTransactions)
	api.POST("/wallet/withdrawals", handler.handleWithdraw)

	return router
}

// Serve runs server until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, server *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", server.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (handler *Handler) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id": claims.GetUserID(),
		"email":   claims.GetUserEmail(),
		"display": claims.GetUserDisplayName(),
		"roles":   claims.GetUserRoles(),
		"expires": claims.GetExpiresAt().Unix(),
	})
}

func (handler *Handler) handleCreateSlot(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	var request createSlotRequest
	if !bindJSON(ctx, &request) {
		return
	}
	date, timeRange, err := parseDateRange(request.Date, request.Start, request.End)
	if err != nil {
		handler.respondError(ctx, "create_slot", err)
		return
	}
	slot, err := handler.slots.CreateSlot(ctx.Request.Context(), booking.SlotInput{
		TutorID:      userID,
		Date:         date,
		Range:        timeRange,
		PricePerHour: booking.AmountCents(request.PricePerHourCents),
	})
	if err != nil {
		handler.respondError(ctx, "create_slot", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"slot": newSlotPayload(slot)})
}

func (handler *Handler) handleCreateRecurringSlots(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	var request recurringSlotsRequest
	if !bindJSON(ctx, &request) {
		return
	}
	input, err := request.toInput(userID)
	if err != nil {
		handler.respondError(ctx, "create_recurring_slots", err)
		return
	}
	created, err := handler.slots.CreateRecurringSlots(ctx.Request.Context(), input)
	if err != nil {
		handler.respondError(ctx, "create_recurring_slots", err)
		return
	}
	payload := make([]slotPayload, 0, len(created))
	for _, slot := range created {
		payload = append(payload, newSlotPayload(slot))
	}
	ctx.JSON(http.StatusCreated, gin.H{"slots": payload})
}

func (handler *Handler) handleDeactivateSlot(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	if err := handler.slots.DeactivateSlot(ctx.Request.Context(), ctx.Param("slotID"), userID); err != nil {
		handler.respondError(ctx, "deactivate_slot", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

func (handler *Handler) handleAvailability(ctx *gin.Context) {
	if _, ok := requireUser(ctx); !ok {
		return
	}
	date, err := booking.NewCalendarDate(ctx.Query("date"))
	if err != nil {
		handler.respondError(ctx, "availability", err)
		return
	}
	availability, err := handler.slots.ListAvailability(ctx.Request.Context(), ctx.Param("tutorID"), date)
	if err != nil {
		handler.respondError(ctx, "availability", err)
		return
	}
	payload := make([]availabilityPayload, 0, len(availability))
	for _, entry := range availability {
		payload = append(payload, availabilityPayload{slotPayload: newSlotPayload(entry.Slot), Bookable: entry.Bookable})
	}
	ctx.JSON(http.StatusOK, gin.H{"slots": payload})
}

func (handler *Handler) handleTutorRating(ctx *gin.Context) {
	if _, ok := requireUser(ctx); !ok {
		return
	}
	rating, err := handler.service.TutorRating(ctx.Request.Context(), ctx.Param("tutorID"))
	if err != nil {
		handler.respondError(ctx, "tutor_rating", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"rating": gin.H{
		"tutor_id": rating.TutorID,
		"count":    rating.Count,
		"average":  rating.Average(),
	}})
}

func (handler *Handler) handleCreateBooking(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	var request createBookingRequest
	if !bindJSON(ctx, &request) {
		return
	}
	created, err := handler.service.CreateRequest(ctx.Request.Context(), booking.BookingRequest{
		StudentID: userID,
		SlotID:    request.SlotID,
		Subject:   request.Subject,
		Notes:     request.Notes,
	})
	if err != nil {
		handler.respondError(ctx, "create_booking", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"booking": newBookingPayload(created)})
}

func (handler *Handler) handleGetBooking(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	found, err := handler.service.Get(ctx.Request.Context(), ctx.Param("bookingID"), userID)
	handler.respondBooking(ctx, "get_booking", found, err)
}

func (handler *Handler) handleAccept(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	updated, err := handler.service.Accept(ctx.Request.Context(), ctx.Param("bookingID"), userID)
	handler.respondBooking(ctx, "accept_booking", updated, err)
}

func (handler *Handler) handleDecline(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	var request reasonRequest
	if !bindOptionalJSON(ctx, &request) {
		return
	}
	updated, err := handler.service.Decline(ctx.Request.Context(), ctx.Param("bookingID"), userID, request.Reason)
	handler.respondBooking(ctx, "decline_booking", updated, err)
}

func (handler *Handler) handleCancel(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	var request reasonRequest
	if !bindOptionalJSON(ctx, &request) {
		return
	}
	updated, err := handler.service.Cancel(ctx.Request.Context(), ctx.Param("bookingID"), userID, request.Reason)
	handler.respondBooking(ctx, "cancel_booking", updated, err)
}

func (handler *Handler) handleStart(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	join, err := handler.service.StartSession(ctx.Request.Context(), ctx.Param("bookingID"), userID)
	if err != nil {
		handler.respondError(ctx, "start_session", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"booking": newBookingPayload(join.Booking),
		"session": gin.H{
			"channel": join.Channel,
			"uid":     join.ParticipantID,
			"token":   join.Token,
		},
	})
}

func (handler *Handler) handleEnd(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	updated, err := handler.service.EndSession(ctx.Request.Context(), ctx.Param("bookingID"), userID)
	handler.respondBooking(ctx, "end_session", updated, err)
}

func (handler *Handler) handleNoShow(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	updated, err := handler.service.MarkNoShow(ctx.Request.Context(), ctx.Param("bookingID"), userID)
	handler.respondBooking(ctx, "mark_no_show", updated, err)
}

func (handler *Handler) handleRequestReschedule(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	var request rescheduleRequest
	if !bindJSON(ctx, &request) {
		return
	}
	date, timeRange, err := parseDateRange(request.Date, request.Start, request.End)
	if err != nil {
		handler.respondError(ctx, "request_reschedule", err)
		return
	}
	created, err := handler.service.RequestReschedule(ctx.Request.Context(), booking.RescheduleInput{
		BookingID: ctx.Param("bookingID"),
		ActorID:   userID,
		Date:      date,
		Range:     timeRange,
		Reason:    request.Reason,
	})
	if err != nil {
		handler.respondError(ctx, "request_reschedule", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"reschedule_request": newReschedulePayload(created)})
}

func (handler *Handler) handleRespondReschedule(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	var request rescheduleResponseRequest
	if !bindJSON(ctx, &request) {
		return
	}
	updated, err := handler.service.RespondToReschedule(ctx.Request.Context(), ctx.Param("bookingID"), ctx.Param("requestID"), userID, *request.Accept)
	handler.respondBooking(ctx, "respond_reschedule", updated, err)
}

func (handler *Handler) handleRate(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	var request ratingRequest
	if !bindJSON(ctx, &request) {
		return
	}
	updated, err := handler.service.Rate(ctx.Request.Context(), booking.RatingInput{
		BookingID: ctx.Param("bookingID"),
		ActorID:   userID,
		Score:     request.Score,
		Comment:   request.Comment,
	})
	handler.respondBooking(ctx, "rate_booking", updated, err)
}

func (handler *Handler) handleInitializePayment(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	updated, err := handler.service.InitializePayment(ctx.Request.Context(), ctx.Param("bookingID"), claims.GetUserID(), claims.GetUserEmail())
	handler.respondBooking(ctx, "initialize_payment", updated, err)
}

func (handler *Handler) handlePayFromWallet(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	updated, err := handler.service.PayFromWallet(ctx.Request.Context(), ctx.Param("bookingID"), userID)
	handler.respondBooking(ctx, "pay_from_wallet", updated, err)
}

func (handler *Handler) handleVerifyPayment(ctx *gin.Context) {
	if _, ok := requireUser(ctx); !ok {
		return
	}
	updated, err := handler.service.VerifyPayment(ctx.Request.Context(), ctx.Param("reference"))
	handler.respondBooking(ctx, "verify_payment", updated, err)
}

func (handler *Handler) handleWebhook(ctx *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	updated, err := handler.service.HandleWebhook(ctx.Request.Context(), payload, ctx.GetHeader(handler.cfg.SignatureHeader))
	if err != nil {
		handler.respondError(ctx, "payment_webhook", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "processed", "booking_id": updated.ID, "payment_status": updated.Payment.Status})
}

func (handler *Handler) handleWallet(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	wallet, err := handler.escrow.Wallet(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, "wallet", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": newWalletPayload(wallet)})
}

func (handler *Handler) handleTransactions(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	before := time.Now().UTC().Add(time.Second)
	if raw := ctx.Query("before"); raw != "" {
		unixSeconds, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_query", "before must be unix seconds"))
			return
		}
		before = time.Unix(unixSeconds, 0).UTC()
	}
	limit := handler.cfg.TransactionLimit
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_query", "limit must be a positive integer"))
			return
		}
		if parsed < limit {
			limit = parsed
		}
	}
	transactions, err := handler.escrow.Transactions(ctx.Request.Context(), userID, before, limit)
	if err != nil {
		handler.respondError(ctx, "transactions", err)
		return
	}
	payload := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, newTransactionPayload(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

func (handler *Handler) handleWithdraw(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	var request withdrawRequest
	if !bindJSON(ctx, &request) {
		return
	}
	wallet, err := handler.escrow.Withdraw(ctx.Request.Context(), userID, booking.AmountCents(request.AmountCents), request.Reference)
	if err != nil {
		handler.respondError(ctx, "withdraw", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": newWalletPayload(wallet)})
}

func (handler *Handler) respondBooking(ctx *gin.Context, operation string, current booking.Booking, err error) {
	if err != nil {
		handler.respondError(ctx, operation, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"booking": newBookingPayload(current)})
}

func (handler *Handler) respondError(ctx *gin.Context, operation string, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, publicMessage(err, status)))
}

func requireUser(ctx *gin.Context) (string, bool) {
	claims := getClaims(ctx)
	if claims == nil || claims.GetUserID() == "" {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return "", false
	}
	return claims.GetUserID(), true
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func bindJSON(ctx *gin.Context, target any) bool {
	if err := ctx.ShouldBindJSON(target); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", validationMessage(err)))
		return false
	}
	return true
}

func bindOptionalJSON(ctx *gin.Context, target any) bool {
	if err := ctx.ShouldBindJSON(target); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", validationMessage(err)))
		return false
	}
	return true
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
