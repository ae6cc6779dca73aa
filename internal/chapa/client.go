// Package chapa is the booking engine's payment gateway client for the Chapa API.
package chapa

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tutorbook/pkg/booking"
	"github.com/shopspring/decimal"
)

const (
	DefaultBaseURL  = "https://api.chapa.co"
	// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
	SignatureHeader = "x-chapa-signature"

	initializePath     = "/v1/transaction/initialize"
	verifyPathTemplate = "/v1/transaction/verify/%s"
	defaultTimeout     = 15 * time.Second
	responseLimitBytes = 1 << 20
	apiStatusSuccess   = "success"
)

// ErrInvalidConfig reports an unusable client configuration.
var ErrInvalidConfig = errors.New("chapa: invalid config")

// Config configures the gateway client.
type Config struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	CallbackURL   string
	ReturnURL     string
	HTTPClient    *http.Client
}

// Client implements booking.PaymentGateway.
type Client struct {
	baseURL       string
	secretKey     string
	webhookSecret []byte
	callbackURL   string
	returnURL     string
	httpClient    *http.Client
}

// New validates config and returns a Client.
func New(config Config) (*Client, error) {
	if strings.TrimSpace(config.SecretKey) == "" {
		return nil, fmt.Errorf("%w: secret key is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(config.WebhookSecret) == "" {
		return nil, fmt.Errorf("%w: webhook secret is required", ErrInvalidConfig)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("%w: base url: %v", ErrInvalidConfig, err)
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL:       baseURL,
		secretKey:     config.SecretKey,
		webhookSecret: []byte(config.WebhookSecret),
		callbackURL:   config.CallbackURL,
		returnURL:     config.ReturnURL,
		httpClient:    httpClient,
	}, nil
}

type initializeRequest struct {
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Email       string `json:"email,omitempty"`
	TxRef       string `json:"tx_ref"`
	CallbackURL string `json:"callback_url,omitempty"`
	ReturnURL   string `json:"return_url,omitempty"`
}

type initializeResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		CheckoutURL string `json:"checkout_url"`
	} `json:"data"`
}

type verifyResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Status   string          `json:"status"`
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
		TxRef    string          `json:"tx_ref"`
	} `json:"data"`
}

type webhookPayload struct {
	Event     string `json:"event"`
	Status    string `json:"status"`
	TxRef     string `json:"tx_ref"`
	Reference string `json:"reference"`
}

// InitializePayment opens a hosted checkout and returns its URL.
func (client *Client) InitializePayment(ctx context.Context, request booking.PaymentInitRequest) (string, error) {
	body := initializeRequest{
		Amount:      toMajorUnits(request.Amount),
		Currency:    request.Currency,
		Email:       request.PayerEmail,
		TxRef:       request.Reference,
		CallbackURL: client.callbackURL,
		ReturnURL:   client.returnURL,
	}
	var response initializeResponse
	if err := client.do(ctx, http.MethodPost, initializePath, body, &response); err != nil {
		return "", err
	}
	if response.Status != apiStatusSuccess || response.Data.CheckoutURL == "" {
		return "", fmt.Errorf("chapa: initialize %s: %s", request.Reference, response.Message)
	}
	return response.Data.CheckoutURL, nil
}

// VerifyPayment fetches the authoritative state of a transaction reference.
func (client *Client) VerifyPayment(ctx context.Context, reference string) (booking.PaymentVerification, error) {
	var response verifyResponse
	path := fmt.Sprintf(verifyPathTemplate, url.PathEscape(reference))
	if err := client.do(ctx, http.MethodGet, path, nil, &response); err != nil {
		return booking.PaymentVerification{}, err
	}
	if response.Status != apiStatusSuccess {
		return booking.PaymentVerification{}, fmt.Errorf("chapa: verify %s: %s", reference, response.Message)
	}
	return booking.PaymentVerification{
		Reference: reference,
		Status:    normalizeStatus(response.Data.Status),
		Amount:    fromMajorUnits(response.Data.Amount),
	}, nil
}

// ParseWebhook authenticates a callback body against its signature and extracts the event.
func (client *Client) ParseWebhook(payload []byte, signature string) (booking.PaymentWebhookEvent, error) {
	if !client.validSignature(payload, signature) {
		return booking.PaymentWebhookEvent{}, booking.ErrInvalidSignature
	}
	var decoded webhookPayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return booking.PaymentWebhookEvent{}, fmt.Errorf("%w: webhook body: %v", booking.ErrValidation, err)
	}
	if decoded.TxRef == "" {
		return booking.PaymentWebhookEvent{}, fmt.Errorf("%w: webhook without tx_ref", booking.ErrValidation)
	}
	eventID := decoded.Reference
	if eventID == "" {
		eventID = decoded.TxRef
	}
	if decoded.Event != "" {
		eventID = decoded.Event + ":" + eventID
	}
	return booking.PaymentWebhookEvent{
		EventID:   eventID,
		Reference: decoded.TxRef,
		Status:    normalizeStatus(decoded.Status),
	}, nil
}

// Sign returns the signature the gateway would attach to payload.
func (client *Client) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, client.webhookSecret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (client *Client) validSignature(payload []byte, signature string) bool {
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(provided) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, client.webhookSecret)
	mac.Write(payload)
	return hmac.Equal(provided, mac.Sum(nil))
}

func (client *Client) do(ctx context.Context, method string, path string, body interface{}, target interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("chapa: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("chapa: build request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+client.secretKey)
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("chapa: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(response.Body, responseLimitBytes))
	if err != nil {
		return fmt.Errorf("chapa: read response: %w", err)
	}
	if response.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("chapa: %s %s: status %d", method, path, response.StatusCode)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("chapa: decode response (status %d): %w", response.StatusCode, err)
	}
	return nil
}

func normalizeStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "successful", "completed":
		return booking.GatewayStatusSuccess
	case "failed", "failure", "cancelled", "reversed":
		return booking.GatewayStatusFailed
	default:
		return booking.GatewayStatusPending
	}
}

func toMajorUnits(amount booking.AmountCents) string {
	return decimal.New(amount.Int64(), -2).StringFixed(2)
}

func fromMajorUnits(amount decimal.Decimal) booking.AmountCents {
	return booking.AmountCents(amount.Shift(2).Round(0).IntPart())
}

var _ booking.PaymentGateway = (*Client)(nil)
