package booking

const (
	operationCreateSlot     = "create_slot"
	operationCreateSlots    = "create_recurring_slots"
	operationDeactivateSlot = "deactivate_slot"
	operationAcquireLock    = "acquire_lock"
	operationReleaseLock    = "release_lock"
	operationSweepLocks     = "sweep_locks"
	operationCreateRequest  = "create_request"
	operationAccept         = "accept"
	operationDecline        = "decline"
	operationCancel         = "cancel"
	operationStartSession   = "start_session"
	operationEndSession     = "end_session"
	operationNoShow         = "no_show"
	operationReschedule     = "request_reschedule"
	operationRespond        = "respond_reschedule"
	operationRate           = "rate"
	operationInitPayment    = "initialize_payment"
	operationVerifyPayment  = "verify_payment"
	operationWebhook        = "payment_webhook"
	operationPayFromWallet  = "pay_from_wallet"
	operationHold           = "escrow_hold"
	operationRelease        = "escrow_release"
	operationRefund         = "escrow_refund"
	operationDeposit        = "deposit"
	operationWithdraw       = "withdraw"
	operationFreeze         = "set_frozen"
	operationNotify         = "notify"
	operationReminder       = "reminder"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	sessionChannelPrefix          = "session_"
	paymentReferencePrefix        = "tx-"
	recurrencePatternWeekly       = "weekly"
	participantRolePublisher      = "publisher"
	cancellationReasonLockExpired = "checkout lock expired"
	fullPercentage                = 100
)

// Notification types sent through the Notifier.
const (
	NotificationBookingRequested   = "booking_requested"
	NotificationBookingAccepted    = "booking_accepted"
	NotificationBookingDeclined    = "booking_declined"
	NotificationBookingCancelled   = "booking_cancelled"
	NotificationSessionStarted     = "session_started"
	NotificationSessionCompleted   = "session_completed"
	NotificationRescheduleRequest  = "reschedule_requested"
	NotificationRescheduleResponse = "reschedule_responded"
	NotificationPaymentReceived    = "payment_received"
	NotificationEscrowReleased     = "escrow_released"
	NotificationRefundIssued       = "refund_issued"
	NotificationSessionReminder    = "session_reminder"
	NotificationRatingRequest      = "rating_request"
)
