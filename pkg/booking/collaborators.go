package booking

import "context"

// PaymentInitRequest describes a checkout to open with the payment gateway.
type PaymentInitRequest struct {
	Amount     AmountCents
	Currency   string
	PayerEmail string
	Reference  string
	BookingID  string
}

// PaymentVerification is the gateway's view of a payment reference.
type PaymentVerification struct {
	Reference string
	Status    string
	Amount    AmountCents
}

// PaymentWebhookEvent is the verified content of a gateway callback.
type PaymentWebhookEvent struct {
	EventID   string
	Reference string
	Status    string
}

// Gateway verification statuses.
const (
	GatewayStatusSuccess = "success"
	GatewayStatusFailed  = "failed"
	GatewayStatusPending = "pending"
)

// PaymentGateway is the external payment provider.
type PaymentGateway interface {
	InitializePayment(ctx context.Context, request PaymentInitRequest) (checkoutURL string, err error)
	VerifyPayment(ctx context.Context, reference string) (PaymentVerification, error)
	ParseWebhook(payload []byte, signature string) (PaymentWebhookEvent, error)
}

// SessionTokenIssuer issues credentials for the live-session provider.
type SessionTokenIssuer interface {
	IssueSessionToken(ctx context.Context, channelName string, participantID uint32, role string) (string, error)
}

// Notification is a fire-and-forget message to one user.
type Notification struct {
	UserID string
	Type   string
	Title  string
	Body   string
	Data   map[string]string
}

// Notifier delivers notifications. Failures are logged, never propagated.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}
