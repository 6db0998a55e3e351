// services/nowpayments.go
package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

const (
	nowPaymentsBaseURL    = "https://api.nowpayments.io/v1"
	nowPaymentsSandboxURL = "https://api-sandbox.nowpayments.io/v1"
)

// Processor payment statuses, in the processor's own vocabulary.
const (
	StatusWaiting       = "waiting"
	StatusConfirming    = "confirming"
	StatusConfirmed     = "confirmed"
	StatusSending       = "sending"
	StatusPartiallyPaid = "partially_paid"
	StatusFinished      = "finished"
	StatusFailed        = "failed"
	StatusRefunded      = "refunded"
	StatusExpired       = "expired"
)

// Status groupings used by the reconciliation engine and display logic.
var (
	CompletedStatuses = map[string]bool{StatusFinished: true, StatusConfirmed: true}
	PendingStatuses   = map[string]bool{StatusWaiting: true, StatusConfirming: true, StatusSending: true, StatusPartiallyPaid: true}
	FailedStatuses    = map[string]bool{StatusFailed: true, StatusRefunded: true}
)

// GatewayErrorKind classifies how a processor call failed.
type GatewayErrorKind string

const (
	GatewayAPIError         GatewayErrorKind = "api"
	GatewayTimeoutError     GatewayErrorKind = "timeout"
	GatewayUnreachableError GatewayErrorKind = "unreachable"
)

// GatewayError is returned for any failed call to the payment processor.
type GatewayError struct {
	Kind       GatewayErrorKind
	StatusCode int
	Message    string
}

func (e *GatewayError) Error() string {
	if e.Kind == GatewayAPIError {
		return fmt.Sprintf("NOWPayments API error %d — %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("NOWPayments %s: %s", e.Kind, e.Message)
}

// Webhook verification failures. These are rejected before any state change.
var (
	ErrInvalidSignature = errors.New("invalid IPN signature")
	ErrMalformedPayload = errors.New("malformed IPN payload")
	ErrNoIPNSecret      = errors.New("IPN secret is not configured")
)

// NOWPaymentsConfig carries everything the client needs. Constructed once in
// main from the environment and injected, so tests can substitute a fake
// gateway without touching process-wide state.
type NOWPaymentsConfig struct {
	APIKey    string
	IPNSecret string
	Sandbox   bool
	// BaseURL overrides the processor endpoint (tests only).
	BaseURL string
	Timeout time.Duration
}

// NOWPaymentsService wraps the NOWPayments REST API.
type NOWPaymentsService struct {
	apiKey    string
	ipnSecret string
	baseURL   string
	client    *http.Client
}

func NewNOWPaymentsService(cfg NOWPaymentsConfig) *NOWPaymentsService {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.Sandbox {
			baseURL = nowPaymentsSandboxURL
		} else {
			baseURL = nowPaymentsBaseURL
		}
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &NOWPaymentsService{
		apiKey:    cfg.APIKey,
		ipnSecret: cfg.IPNSecret,
		baseURL:   baseURL,
		client:    &http.Client{Timeout: timeout},
	}
}

// request performs one API call and normalizes transport and HTTP failures
// into the GatewayError taxonomy.
func (s *NOWPaymentsService) request(ctx context.Context, method, endpoint string, params url.Values, body any, out any) error {
	u := fmt.Sprintf("%s/%s", s.baseURL, endpoint)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-api-key", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return &GatewayError{Kind: GatewayTimeoutError, Message: "request timed out"}
		}
		return &GatewayError{Kind: GatewayUnreachableError, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &GatewayError{Kind: GatewayUnreachableError, Message: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Extract a meaningful message from the API's JSON error if possible.
		msg := string(raw)
		var apiErr struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			msg = apiErr.Message
		}
		return &GatewayError{Kind: GatewayAPIError, StatusCode: resp.StatusCode, Message: msg}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode NOWPayments response: %w", err)
		}
	}
	return nil
}

// ============= Payment Creation =============

type CreatePaymentRequest struct {
	PriceAmount      decimal.Decimal
	PriceCurrency    string
	PayCurrency      string
	OrderID          string
	OrderDescription string
	IPNCallbackURL   string
	SuccessURL       string
	CancelURL        string
	FixedRate        bool
	FeePaidByUser    bool
}

type CreatePaymentResponse struct {
	PaymentID              json.Number      `json:"payment_id"`
	PaymentStatus          string           `json:"payment_status"`
	PayAddress             string           `json:"pay_address"`
	PayinExtraID           *string          `json:"payin_extra_id"`
	PayAmount              *decimal.Decimal `json:"pay_amount"`
	PayCurrency            string           `json:"pay_currency"`
	PurchaseID             json.Number      `json:"purchase_id"`
	ExpirationEstimateDate string           `json:"expiration_estimate_date"`
}

// CreatePayment creates a direct payment with a fixed pay currency.
func (s *NOWPaymentsService) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*CreatePaymentResponse, error) {
	body := map[string]any{
		"price_amount":       req.PriceAmount.InexactFloat64(),
		"price_currency":     req.PriceCurrency,
		"pay_currency":       req.PayCurrency,
		"is_fixed_rate":      req.FixedRate,
		"is_fee_paid_by_user": req.FeePaidByUser,
	}
	if req.OrderID != "" {
		body["order_id"] = req.OrderID
	}
	if req.OrderDescription != "" {
		body["order_description"] = req.OrderDescription
	}
	if req.IPNCallbackURL != "" {
		body["ipn_callback_url"] = req.IPNCallbackURL
	}
	if req.SuccessURL != "" {
		body["success_url"] = req.SuccessURL
	}
	if req.CancelURL != "" {
		body["cancel_url"] = req.CancelURL
	}

	var resp CreatePaymentResponse
	if err := s.request(ctx, http.MethodPost, "payment", nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type CreateInvoiceRequest struct {
	PriceAmount      decimal.Decimal
	PriceCurrency    string
	OrderID          string
	OrderDescription string
	IPNCallbackURL   string
	SuccessURL       string
	CancelURL        string
	FixedRate        bool
	FeePaidByUser    bool
}

type CreateInvoiceResponse struct {
	ID         json.Number `json:"id"`
	InvoiceURL string      `json:"invoice_url"`
}

// CreateInvoice creates a hosted invoice; the user picks the cryptocurrency
// on the processor's page.
func (s *NOWPaymentsService) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*CreateInvoiceResponse, error) {
	body := map[string]any{
		"price_amount":       req.PriceAmount.InexactFloat64(),
		"price_currency":     req.PriceCurrency,
		"is_fixed_rate":      req.FixedRate,
		"is_fee_paid_by_user": req.FeePaidByUser,
	}
	if req.OrderID != "" {
		body["order_id"] = req.OrderID
	}
	if req.OrderDescription != "" {
		body["order_description"] = req.OrderDescription
	}
	if req.IPNCallbackURL != "" {
		body["ipn_callback_url"] = req.IPNCallbackURL
	}
	if req.SuccessURL != "" {
		body["success_url"] = req.SuccessURL
	}
	if req.CancelURL != "" {
		body["cancel_url"] = req.CancelURL
	}

	var resp CreateInvoiceResponse
	if err := s.request(ctx, http.MethodPost, "invoice", nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ============= Payment Status =============

type PaymentStatusResponse struct {
	PaymentID       json.Number      `json:"payment_id"`
	PaymentStatus   string           `json:"payment_status"`
	PayAmount       *decimal.Decimal `json:"pay_amount"`
	ActuallyPaid    *decimal.Decimal `json:"actually_paid"`
	PayCurrency     string           `json:"pay_currency"`
	OutcomeAmount   *decimal.Decimal `json:"outcome_amount"`
	OutcomeCurrency string           `json:"outcome_currency"`
}

// GetPaymentStatus fetches the current state of a payment. Read-only and
// safe to call repeatedly.
func (s *NOWPaymentsService) GetPaymentStatus(ctx context.Context, paymentID string) (*PaymentStatusResponse, error) {
	var resp PaymentStatusResponse
	if err := s.request(ctx, http.MethodGet, "payment/"+paymentID, nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ============= API Status & Configuration =============

// GetAPIStatus probes the processor's health endpoint.
func (s *NOWPaymentsService) GetAPIStatus(ctx context.Context) (string, error) {
	var resp struct {
		Message string `json:"message"`
	}
	if err := s.request(ctx, http.MethodGet, "status", nil, nil, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// GetAvailableCurrencies lists the cryptocurrencies the processor accepts.
func (s *NOWPaymentsService) GetAvailableCurrencies(ctx context.Context) ([]string, error) {
	var resp struct {
		Currencies []string `json:"currencies"`
	}
	if err := s.request(ctx, http.MethodGet, "currencies", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Currencies, nil
}

type EstimateResponse struct {
	CurrencyFrom    string          `json:"currency_from"`
	AmountFrom      decimal.Decimal `json:"amount_from"`
	CurrencyTo      string          `json:"currency_to"`
	EstimatedAmount decimal.Decimal `json:"estimated_amount"`
}

// GetEstimate converts an amount between a fiat and a cryptocurrency at the
// current rate.
func (s *NOWPaymentsService) GetEstimate(ctx context.Context, amount decimal.Decimal, currencyFrom, currencyTo string) (*EstimateResponse, error) {
	params := url.Values{}
	params.Set("amount", amount.String())
	params.Set("currency_from", currencyFrom)
	params.Set("currency_to", currencyTo)

	var resp EstimateResponse
	if err := s.request(ctx, http.MethodGet, "estimate", params, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type MinAmountResponse struct {
	CurrencyFrom string          `json:"currency_from"`
	CurrencyTo   string          `json:"currency_to"`
	MinAmount    decimal.Decimal `json:"min_amount"`
}

// GetMinimumPaymentAmount returns the smallest payable amount for a pair.
func (s *NOWPaymentsService) GetMinimumPaymentAmount(ctx context.Context, currencyFrom, currencyTo string) (*MinAmountResponse, error) {
	params := url.Values{}
	params.Set("currency_from", currencyFrom)
	params.Set("currency_to", currencyTo)

	var resp MinAmountResponse
	if err := s.request(ctx, http.MethodGet, "min-amount", params, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ============= Webhook / IPN Verification =============

// IPNPayload is the subset of the IPN body the reconciliation engine
// consumes. Numeric identifiers arrive as numbers or strings depending on
// the processor's mood, so they decode through json.Number.
type IPNPayload struct {
	PaymentID       json.Number      `json:"payment_id"`
	InvoiceID       json.Number      `json:"invoice_id"`
	OrderID         string           `json:"order_id"`
	PaymentStatus   string           `json:"payment_status"`
	PayAmount       *decimal.Decimal `json:"pay_amount"`
	ActuallyPaid    *decimal.Decimal `json:"actually_paid"`
	PayCurrency     string           `json:"pay_currency"`
	PayAddress      string           `json:"pay_address"`
	OutcomeAmount   *decimal.Decimal `json:"outcome_amount"`
	OutcomeCurrency string           `json:"outcome_currency"`
}

// canonicalJSON re-serializes a JSON document with sorted keys and compact
// separators. The processor signs this exact form; comparing against the raw
// bytes would break on any encoder difference, so both sides must agree on
// the canonical representation. UseNumber keeps numeric literals byte-stable
// through the round trip.
func canonicalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// VerifyIPNSignature checks the x-nowpayments-sig HMAC-SHA512 digest over
// the canonical JSON body. Comparison is constant-time.
func (s *NOWPaymentsService) VerifyIPNSignature(raw []byte, signature string) error {
	if s.ipnSecret == "" {
		return ErrNoIPNSecret
	}
	canonical, err := canonicalJSON(raw)
	if err != nil {
		return ErrMalformedPayload
	}

	mac := hmac.New(sha512.New, []byte(s.ipnSecret))
	mac.Write(canonical)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// ProcessIPNCallback verifies and parses an IPN body in one step. On any
// returned error the payment must not be processed.
func (s *NOWPaymentsService) ProcessIPNCallback(raw []byte, signature string) (*IPNPayload, error) {
	if signature == "" {
		return nil, ErrInvalidSignature
	}
	if err := s.VerifyIPNSignature(raw, signature); err != nil {
		return nil, err
	}

	var payload IPNPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, ErrMalformedPayload
	}
	return &payload, nil
}

// ProcessorGateway is the surface the reconciliation engine and deposit flow
// depend on; tests substitute a fake.
type ProcessorGateway interface {
	CreatePayment(ctx context.Context, req CreatePaymentRequest) (*CreatePaymentResponse, error)
	CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*CreateInvoiceResponse, error)
	GetPaymentStatus(ctx context.Context, paymentID string) (*PaymentStatusResponse, error)
	ProcessIPNCallback(raw []byte, signature string) (*IPNPayload, error)
}

var _ ProcessorGateway = (*NOWPaymentsService)(nil)
