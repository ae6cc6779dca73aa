package chapa

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarkoPoloResearchLab/tutorbook/pkg/booking"
)

const (
	testSecretKey     = "CHASECK_TEST-secret"
	testWebhookSecret = "webhook-secret"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := New(Config{
		BaseURL:       server.URL,
		SecretKey:     testSecretKey,
		WebhookSecret: testWebhookSecret,
		CallbackURL:   "https://tutorbook.test/api/payments/webhook",
		HTTPClient:    server.Client(),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestInitializePayment(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPost || request.URL.Path != initializePath {
			t.Errorf("unexpected request %s %s", request.Method, request.URL.Path)
		}
		if got := request.Header.Get("Authorization"); got != "Bearer "+testSecretKey {
			t.Errorf("unexpected authorization %q", got)
		}
		var body initializeRequest
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Amount != "550.50" || body.TxRef != "tx-b1-abc" || body.Currency != "ETB" {
			t.Errorf("unexpected body %+v", body)
		}
		writer.Write([]byte(`{"status":"success","message":"Hosted Link","data":{"checkout_url":"https://checkout.chapa.co/checkout/payment/abc"}}`))
	})
	checkoutURL, err := client.InitializePayment(context.Background(), booking.PaymentInitRequest{
		Amount:    55050,
		Currency:  "ETB",
		Reference: "tx-b1-abc",
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if checkoutURL != "https://checkout.chapa.co/checkout/payment/abc" {
		t.Fatalf("unexpected checkout url %q", checkoutURL)
	}
}

func TestInitializePaymentRejected(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusBadRequest)
		writer.Write([]byte(`{"status":"failed","message":"Invalid currency","data":null}`))
	})
	if _, err := client.InitializePayment(context.Background(), booking.PaymentInitRequest{Amount: 100, Currency: "XXX", Reference: "tx-1"}); err == nil {
		t.Fatalf("expected rejection")
	}
}

func TestVerifyPayment(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name       string
		response   string
		status     int
		wantStatus string
		wantAmount booking.AmountCents
		wantErr    bool
	}{
		{
			name:       "successful numeric amount",
			response:   `{"status":"success","data":{"status":"success","amount":500,"currency":"ETB","tx_ref":"tx-1"}}`,
			status:     http.StatusOK,
			wantStatus: booking.GatewayStatusSuccess,
			wantAmount: 50000,
		},
		{
			name:       "failed string amount",
			response:   `{"status":"success","data":{"status":"failed","amount":"12.34","currency":"ETB","tx_ref":"tx-1"}}`,
			status:     http.StatusOK,
			wantStatus: booking.GatewayStatusFailed,
			wantAmount: 1234,
		},
		{
			name:       "still pending",
			response:   `{"status":"success","data":{"status":"pending","amount":"1","tx_ref":"tx-1"}}`,
			status:     http.StatusOK,
			wantStatus: booking.GatewayStatusPending,
			wantAmount: 100,
		},
		{
			name:     "unknown reference",
			response: `{"status":"failed","message":"Invalid transaction","data":null}`,
			status:   http.StatusNotFound,
			wantErr:  true,
		},
		{
			name:     "server error",
			response: `oops`,
			status:   http.StatusBadGateway,
			wantErr:  true,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			client := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
				if request.URL.Path != "/v1/transaction/verify/tx-1" {
					t.Errorf("unexpected path %s", request.URL.Path)
				}
				writer.WriteHeader(tc.status)
				writer.Write([]byte(tc.response))
			})
			verification, err := client.VerifyPayment(context.Background(), "tx-1")
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if verification.Status != tc.wantStatus || verification.Amount != tc.wantAmount || verification.Reference != "tx-1" {
				t.Fatalf("unexpected verification %+v", verification)
			}
		})
	}
}

func TestParseWebhook(t *testing.T) {
	t.Parallel()
	client, err := New(Config{SecretKey: testSecretKey, WebhookSecret: testWebhookSecret})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	payload := []byte(`{"event":"charge.success","status":"success","tx_ref":"tx-b1-abc","reference":"AP123"}`)

	event, err := client.ParseWebhook(payload, client.Sign(payload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.EventID != "charge.success:AP123" || event.Reference != "tx-b1-abc" || event.Status != booking.GatewayStatusSuccess {
		t.Fatalf("unexpected event %+v", event)
	}

	tampered := []byte(`{"event":"charge.success","status":"success","tx_ref":"tx-other","reference":"AP123"}`)
	for _, signature := range []string{"", "not-hex", client.Sign(tampered)} {
		if _, err := client.ParseWebhook(payload, signature); !errors.Is(err, booking.ErrInvalidSignature) {
			t.Fatalf("signature %q: expected ErrInvalidSignature, got %v", signature, err)
		}
	}

	missingReference := []byte(`{"event":"charge.success","status":"success"}`)
	if _, err := client.ParseWebhook(missingReference, client.Sign(missingReference)); !errors.Is(err, booking.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	cases := []Config{
		{WebhookSecret: testWebhookSecret},
		{SecretKey: testSecretKey},
		{SecretKey: testSecretKey, WebhookSecret: testWebhookSecret, BaseURL: "::not a url"},
	}
	for index, config := range cases {
		if _, err := New(config); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("case %d: expected ErrInvalidConfig, got %v", index, err)
		}
	}
}
