package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const testIPNSecret = "test-ipn-secret"

// signBody computes the digest the processor would send for a body.
func signBody(t *testing.T, secret string, raw []byte) string {
	t.Helper()
	canonical, err := canonicalJSON(raw)
	if err != nil {
		t.Fatalf("canonicalJSON failed: %v", err)
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestCanonicalJSON(t *testing.T) {
	raw := []byte(`{ "payment_status": "finished", "actually_paid": 0.0031, "order_id": "DEPOSIT-AB12CD34", "pay_amount": 100.50 }`)
	canonical, err := canonicalJSON(raw)
	if err != nil {
		t.Fatalf("canonicalJSON failed: %v", err)
	}

	want := `{"actually_paid":0.0031,"order_id":"DEPOSIT-AB12CD34","pay_amount":100.50,"payment_status":"finished"}`
	if string(canonical) != want {
		t.Errorf("canonical form mismatch:\n got: %s\nwant: %s", canonical, want)
	}
}

func TestCanonicalJSONPreservesNumbers(t *testing.T) {
	// Numeric literals must survive the round trip byte for byte, or the
	// recomputed digest would never match the processor's.
	raw := []byte(`{"a": 100.500, "b": 1e10, "c": 0.00000001}`)
	canonical, err := canonicalJSON(raw)
	if err != nil {
		t.Fatalf("canonicalJSON failed: %v", err)
	}
	want := `{"a":100.500,"b":1e10,"c":0.00000001}`
	if string(canonical) != want {
		t.Errorf("canonical form mismatch:\n got: %s\nwant: %s", canonical, want)
	}
}

func TestVerifyIPNSignature(t *testing.T) {
	svc := NewNOWPaymentsService(NOWPaymentsConfig{APIKey: "key", IPNSecret: testIPNSecret})

	raw := []byte(`{"payment_id": 4945313850, "order_id": "DEPOSIT-AB12CD34", "payment_status": "finished", "actually_paid": 0.0031}`)
	sig := signBody(t, testIPNSecret, raw)

	if err := svc.VerifyIPNSignature(raw, sig); err != nil {
		t.Errorf("expected valid signature to verify, got %v", err)
	}

	// Same payload with different key order and whitespace must produce the
	// same digest.
	reordered := []byte(`{"actually_paid":0.0031,"order_id":"DEPOSIT-AB12CD34","payment_id":4945313850,"payment_status":"finished"}`)
	if err := svc.VerifyIPNSignature(reordered, sig); err != nil {
		t.Errorf("expected reordered payload to verify, got %v", err)
	}
}

func TestVerifyIPNSignatureRejectsAlteredDigest(t *testing.T) {
	svc := NewNOWPaymentsService(NOWPaymentsConfig{APIKey: "key", IPNSecret: testIPNSecret})

	raw := []byte(`{"payment_id": 4945313850, "order_id": "DEPOSIT-AB12CD34", "payment_status": "finished"}`)
	sig := signBody(t, testIPNSecret, raw)

	// Flip one character of the hex digest.
	altered := []byte(sig)
	if altered[0] == 'a' {
		altered[0] = 'b'
	} else {
		altered[0] = 'a'
	}

	if err := svc.VerifyIPNSignature(raw, string(altered)); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyIPNSignatureMalformedBody(t *testing.T) {
	svc := NewNOWPaymentsService(NOWPaymentsConfig{APIKey: "key", IPNSecret: testIPNSecret})

	if err := svc.VerifyIPNSignature([]byte(`not json at all`), "deadbeef"); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestVerifyIPNSignatureNoSecret(t *testing.T) {
	svc := NewNOWPaymentsService(NOWPaymentsConfig{APIKey: "key"})

	if err := svc.VerifyIPNSignature([]byte(`{}`), "deadbeef"); !errors.Is(err, ErrNoIPNSecret) {
		t.Errorf("expected ErrNoIPNSecret, got %v", err)
	}
}

func TestProcessIPNCallback(t *testing.T) {
	svc := NewNOWPaymentsService(NOWPaymentsConfig{APIKey: "key", IPNSecret: testIPNSecret})

	raw := []byte(`{"payment_id": 4945313850, "invoice_id": 5057937673, "order_id": "DEPOSIT-AB12CD34", "payment_status": "confirming", "pay_amount": 0.0031, "actually_paid": 0, "outcome_currency": "btc"}`)
	sig := signBody(t, testIPNSecret, raw)

	payload, err := svc.ProcessIPNCallback(raw, sig)
	if err != nil {
		t.Fatalf("ProcessIPNCallback failed: %v", err)
	}

	if payload.PaymentID.String() != "4945313850" {
		t.Errorf("expected payment_id 4945313850, got %s", payload.PaymentID.String())
	}
	if payload.InvoiceID.String() != "5057937673" {
		t.Errorf("expected invoice_id 5057937673, got %s", payload.InvoiceID.String())
	}
	if payload.OrderID != "DEPOSIT-AB12CD34" {
		t.Errorf("expected order_id DEPOSIT-AB12CD34, got %s", payload.OrderID)
	}
	if payload.PaymentStatus != StatusConfirming {
		t.Errorf("expected status confirming, got %s", payload.PaymentStatus)
	}
	if payload.PayAmount == nil || !payload.PayAmount.Equal(decimal.RequireFromString("0.0031")) {
		t.Errorf("expected pay_amount 0.0031, got %v", payload.PayAmount)
	}
	if payload.OutcomeCurrency != "btc" {
		t.Errorf("expected outcome_currency btc, got %s", payload.OutcomeCurrency)
	}
}

func TestProcessIPNCallbackMissingSignature(t *testing.T) {
	svc := NewNOWPaymentsService(NOWPaymentsConfig{APIKey: "key", IPNSecret: testIPNSecret})

	if _, err := svc.ProcessIPNCallback([]byte(`{}`), ""); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature for absent header, got %v", err)
	}
}

func TestCreatePayment(t *testing.T) {
	var gotPath, gotAPIKey string
	var gotBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("x-api-key")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"payment_id": 4945313850,
			"payment_status": "waiting",
			"pay_address": "TNDFkiSmBQorNFacb3735q8MnT29sn8BLn",
			"pay_amount": 165.652609,
			"pay_currency": "trx",
			"expiration_estimate_date": "2025-09-01T10:00:00Z"
		}`))
	}))
	defer server.Close()

	svc := NewNOWPaymentsService(NOWPaymentsConfig{APIKey: "api-key-123", BaseURL: server.URL})

	resp, err := svc.CreatePayment(context.Background(), CreatePaymentRequest{
		PriceAmount:   decimal.RequireFromString("100.00"),
		PriceCurrency: "USD",
		PayCurrency:   "trx",
		OrderID:       "DEPOSIT-AB12CD34",
		FixedRate:     true,
		FeePaidByUser: true,
	})
	if err != nil {
		t.Fatalf("CreatePayment failed: %v", err)
	}

	if gotPath != "/payment" {
		t.Errorf("expected path /payment, got %s", gotPath)
	}
	if gotAPIKey != "api-key-123" {
		t.Errorf("expected x-api-key header, got %q", gotAPIKey)
	}
	if gotBody["order_id"] != "DEPOSIT-AB12CD34" {
		t.Errorf("expected order_id in body, got %v", gotBody["order_id"])
	}
	if gotBody["pay_currency"] != "trx" {
		t.Errorf("expected pay_currency trx, got %v", gotBody["pay_currency"])
	}

	if resp.PaymentID.String() != "4945313850" {
		t.Errorf("expected payment_id 4945313850, got %s", resp.PaymentID.String())
	}
	if resp.PayAddress != "TNDFkiSmBQorNFacb3735q8MnT29sn8BLn" {
		t.Errorf("unexpected pay_address %s", resp.PayAddress)
	}
	if resp.PaymentStatus != StatusWaiting {
		t.Errorf("expected status waiting, got %s", resp.PaymentStatus)
	}
}

func TestGetPaymentStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/payment/4945313850" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"payment_id": 4945313850, "payment_status": "finished", "actually_paid": 165.652609, "pay_currency": "trx", "outcome_amount": 164.9, "outcome_currency": "trx"}`))
	}))
	defer server.Close()

	svc := NewNOWPaymentsService(NOWPaymentsConfig{APIKey: "key", BaseURL: server.URL})

	resp, err := svc.GetPaymentStatus(context.Background(), "4945313850")
	if err != nil {
		t.Fatalf("GetPaymentStatus failed: %v", err)
	}
	if resp.PaymentStatus != StatusFinished {
		t.Errorf("expected finished, got %s", resp.PaymentStatus)
	}
	if resp.ActuallyPaid == nil || !resp.ActuallyPaid.Equal(decimal.RequireFromString("165.652609")) {
		t.Errorf("unexpected actually_paid %v", resp.ActuallyPaid)
	}
}

func TestGatewayAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message": "Invalid api key"}`))
	}))
	defer server.Close()

	svc := NewNOWPaymentsService(NOWPaymentsConfig{APIKey: "bad", BaseURL: server.URL})

	_, err := svc.GetPaymentStatus(context.Background(), "1")
	var gatewayErr *GatewayError
	if !errors.As(err, &gatewayErr) {
		t.Fatalf("expected GatewayError, got %v", err)
	}
	if gatewayErr.Kind != GatewayAPIError {
		t.Errorf("expected api kind, got %s", gatewayErr.Kind)
	}
	if gatewayErr.StatusCode != http.StatusForbidden {
		t.Errorf("expected status 403, got %d", gatewayErr.StatusCode)
	}
	if gatewayErr.Message != "Invalid api key" {
		t.Errorf("expected message from API body, got %q", gatewayErr.Message)
	}
}

func TestGatewayTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	svc := NewNOWPaymentsService(NOWPaymentsConfig{APIKey: "key", BaseURL: server.URL, Timeout: 20 * time.Millisecond})

	_, err := svc.GetPaymentStatus(context.Background(), "1")
	var gatewayErr *GatewayError
	if !errors.As(err, &gatewayErr) {
		t.Fatalf("expected GatewayError, got %v", err)
	}
	if gatewayErr.Kind != GatewayTimeoutError {
		t.Errorf("expected timeout kind, got %s", gatewayErr.Kind)
	}
}

func TestGatewayUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing listening anymore

	svc := NewNOWPaymentsService(NOWPaymentsConfig{APIKey: "key", BaseURL: server.URL})

	_, err := svc.GetPaymentStatus(context.Background(), "1")
	var gatewayErr *GatewayError
	if !errors.As(err, &gatewayErr) {
		t.Fatalf("expected GatewayError, got %v", err)
	}
	if gatewayErr.Kind != GatewayUnreachableError {
		t.Errorf("expected unreachable kind, got %s", gatewayErr.Kind)
	}
}
