package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"stocksco-payment-system/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func newPaymentService(db *gorm.DB, gw ProcessorGateway) *PaymentService {
	notifications := NewNotificationService(db)
	transactions := NewTransactionService(db, NewWalletService(db))
	reconciliation := NewReconciliationService(db, gw, notifications)
	return NewPaymentService(db, gw, transactions, reconciliation, PaymentConfig{
		MinDeposit:    decimal.RequireFromString("20.00"),
		FixedRate:     true,
		FeePaidByUser: true,
	})
}

func testUser(t *testing.T, db *gorm.DB, username string) *models.User {
	t.Helper()
	user := models.User{Email: username + "@example.com", Username: username, FirstName: "Alex"}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	return &user
}

func directPaymentResp() *CreatePaymentResponse {
	amount := decimal.RequireFromString("165.652609")
	return &CreatePaymentResponse{
		PaymentID:     json.Number("4945313850"),
		PaymentStatus: StatusWaiting,
		PayAddress:    "TNDFkiSmBQorNFacb3735q8MnT29sn8BLn",
		PayAmount:     &amount,
		PayCurrency:   "trx",
	}
}

func TestCreateDepositDirectPayment(t *testing.T) {
	db := newTestDB(t)
	gw := &fakeGateway{paymentResp: directPaymentResp()}
	svc := newPaymentService(db, gw)
	user := testUser(t, db, "trader1")

	result, err := svc.CreateDeposit(context.Background(), user, DepositRequest{
		Amount:      decimal.RequireFromString("100.00"),
		PayCurrency: "TRX",
	})
	if err != nil {
		t.Fatalf("CreateDeposit failed: %v", err)
	}

	if !strings.HasPrefix(result.OrderID, "DEPOSIT-") {
		t.Errorf("unexpected order id %s", result.OrderID)
	}
	if len(result.OrderID) != len("DEPOSIT-")+8 {
		t.Errorf("expected 8-char order suffix, got %s", result.OrderID)
	}
	if result.OrderID != strings.ToUpper(result.OrderID) {
		t.Errorf("order id should be uppercase: %s", result.OrderID)
	}
	if result.PayAddress == nil || *result.PayAddress != "TNDFkiSmBQorNFacb3735q8MnT29sn8BLn" {
		t.Errorf("expected pay address in result, got %v", result.PayAddress)
	}

	// Pay currency is lowercased at the processor boundary.
	if gw.lastPaymentReq.PayCurrency != "trx" {
		t.Errorf("expected lowercased pay_currency, got %s", gw.lastPaymentReq.PayCurrency)
	}

	// The payment record and its pending transaction committed together.
	var payment models.CryptoPayment
	if err := db.Where("order_id = ?", result.OrderID).First(&payment).Error; err != nil {
		t.Fatalf("payment record not persisted: %v", err)
	}
	if payment.PaymentType != models.PaymentTypePayment {
		t.Errorf("expected payment type, got %s", payment.PaymentType)
	}
	if payment.PaymentID == nil || *payment.PaymentID != "4945313850" {
		t.Errorf("expected external payment_id persisted, got %v", payment.PaymentID)
	}

	var trx models.Transaction
	if err := db.Where("order_id = ?", result.OrderID).First(&trx).Error; err != nil {
		t.Fatalf("transaction row not persisted: %v", err)
	}
	if trx.Status != models.TransactionPending {
		t.Errorf("expected pending transaction, got %s", trx.Status)
	}
	if !trx.Amount.Equal(decimal.RequireFromString("100.00")) {
		t.Errorf("expected transaction amount 100.00, got %s", trx.Amount.String())
	}
}

func TestCreateDepositInvoiceFlow(t *testing.T) {
	db := newTestDB(t)
	gw := &fakeGateway{invoiceResp: &CreateInvoiceResponse{
		ID:         json.Number("5057937673"),
		InvoiceURL: "https://nowpayments.io/payment/?iid=5057937673",
	}}
	svc := newPaymentService(db, gw)
	user := testUser(t, db, "trader2")

	// No pay currency: the user picks it on the hosted invoice page.
	result, err := svc.CreateDeposit(context.Background(), user, DepositRequest{
		Amount: decimal.RequireFromString("50.00"),
	})
	if err != nil {
		t.Fatalf("CreateDeposit failed: %v", err)
	}

	if result.InvoiceID == nil || *result.InvoiceID != "5057937673" {
		t.Errorf("expected invoice id in result, got %v", result.InvoiceID)
	}
	if result.InvoiceURL == nil || !strings.Contains(*result.InvoiceURL, "iid=5057937673") {
		t.Errorf("expected invoice URL in result, got %v", result.InvoiceURL)
	}

	var payment models.CryptoPayment
	db.Where("order_id = ?", result.OrderID).First(&payment)
	if payment.PaymentType != models.PaymentTypeInvoice {
		t.Errorf("expected invoice type, got %s", payment.PaymentType)
	}
	if payment.PaymentID != nil {
		t.Errorf("invoice record must not have a payment_id yet, got %v", *payment.PaymentID)
	}
}

func TestCreateDepositMinimumBoundary(t *testing.T) {
	db := newTestDB(t)
	gw := &fakeGateway{paymentResp: directPaymentResp()}
	svc := newPaymentService(db, gw)
	user := testUser(t, db, "trader3")

	// Exactly the minimum is accepted.
	if _, err := svc.CreateDeposit(context.Background(), user, DepositRequest{
		Amount:      decimal.RequireFromString("20.00"),
		PayCurrency: "trx",
	}); err != nil {
		t.Errorf("deposit at the minimum should succeed, got %v", err)
	}

	// One cent below is rejected.
	_, err := svc.CreateDeposit(context.Background(), user, DepositRequest{
		Amount:      decimal.RequireFromString("19.99"),
		PayCurrency: "trx",
	})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !strings.Contains(vErr.Msg, "Minimum deposit") {
		t.Errorf("unexpected validation message %q", vErr.Msg)
	}
}

func TestValidateDepositStructuralChecksFirst(t *testing.T) {
	db := newTestDB(t)
	svc := newPaymentService(db, &fakeGateway{})
	user := testUser(t, db, "trader4")

	// A zero amount is below the minimum too, but the structural error wins.
	_, err := svc.CreateDeposit(context.Background(), user, DepositRequest{
		Amount: decimal.Zero,
	})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !strings.Contains(vErr.Msg, "Invalid amount") {
		t.Errorf("expected the structural error first, got %q", vErr.Msg)
	}

	// Card payments are rejected before the minimum check runs.
	_, err = svc.CreateDeposit(context.Background(), user, DepositRequest{
		Amount:        decimal.RequireFromString("5.00"),
		PaymentMethod: "card",
	})
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !strings.Contains(vErr.Msg, "not available yet") {
		t.Errorf("expected the method error before the minimum error, got %q", vErr.Msg)
	}

	_, err = svc.CreateDeposit(context.Background(), user, DepositRequest{
		Amount:        decimal.RequireFromString("100.00"),
		PaymentMethod: "paypal",
	})
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError for unknown method, got %v", err)
	}
}

func TestGatewayFailureLeavesNoState(t *testing.T) {
	db := newTestDB(t)
	gw := &fakeGateway{createErr: &GatewayError{Kind: GatewayAPIError, StatusCode: 403, Message: "Invalid api key"}}
	svc := newPaymentService(db, gw)
	user := testUser(t, db, "trader5")

	_, err := svc.CreateDeposit(context.Background(), user, DepositRequest{
		Amount:      decimal.RequireFromString("100.00"),
		PayCurrency: "btc",
	})
	var gatewayErr *GatewayError
	if !errors.As(err, &gatewayErr) {
		t.Fatalf("expected GatewayError to propagate, got %v", err)
	}

	var payments, transactions int64
	db.Model(&models.CryptoPayment{}).Count(&payments)
	db.Model(&models.Transaction{}).Count(&transactions)
	if payments != 0 || transactions != 0 {
		t.Errorf("gateway failure must persist nothing: payments=%d transactions=%d", payments, transactions)
	}
}

func TestDepositDescriptionIsASCIIFolded(t *testing.T) {
	db := newTestDB(t)
	gw := &fakeGateway{paymentResp: directPaymentResp()}
	svc := newPaymentService(db, gw)
	user := testUser(t, db, "jörg_großmann")

	if _, err := svc.CreateDeposit(context.Background(), user, DepositRequest{
		Amount:      decimal.RequireFromString("25.00"),
		PayCurrency: "trx",
	}); err != nil {
		t.Fatalf("CreateDeposit failed: %v", err)
	}

	desc := gw.lastPaymentReq.OrderDescription
	if !strings.Contains(desc, "jorg_grossmann") {
		t.Errorf("expected ASCII-folded username in description, got %q", desc)
	}
	for _, r := range desc {
		if r > 127 {
			t.Errorf("description contains non-ASCII rune %q: %s", r, desc)
		}
	}
}

func TestPaymentStatusRefreshesFromProcessor(t *testing.T) {
	db := newTestDB(t)
	gw := &fakeGateway{
		paymentResp: directPaymentResp(),
		status: &PaymentStatusResponse{
			PaymentID:     json.Number("4945313850"),
			PaymentStatus: StatusConfirming,
		},
	}
	svc := newPaymentService(db, gw)
	user := testUser(t, db, "trader6")

	result, err := svc.CreateDeposit(context.Background(), user, DepositRequest{
		Amount:      decimal.RequireFromString("100.00"),
		PayCurrency: "trx",
	})
	if err != nil {
		t.Fatalf("CreateDeposit failed: %v", err)
	}

	snapshot, err := svc.PaymentStatus(context.Background(), user.ID, result.OrderID)
	if err != nil {
		t.Fatalf("PaymentStatus failed: %v", err)
	}
	if snapshot.PaymentStatus != StatusConfirming {
		t.Errorf("expected refreshed status confirming, got %s", snapshot.PaymentStatus)
	}
	if !snapshot.IsPending || snapshot.IsCompleted {
		t.Errorf("expected pending snapshot, got %+v", snapshot)
	}
	if gw.statusCalls != 1 {
		t.Errorf("expected exactly one poll, got %d", gw.statusCalls)
	}
}

func TestPaymentStatusUnknownOrder(t *testing.T) {
	db := newTestDB(t)
	svc := newPaymentService(db, &fakeGateway{})
	user := testUser(t, db, "trader7")

	_, err := svc.PaymentStatus(context.Background(), user.ID, "DEPOSIT-MISSING1")
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Errorf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestPaymentStatusScopedToOwner(t *testing.T) {
	db := newTestDB(t)
	gw := &fakeGateway{paymentResp: directPaymentResp()}
	svc := newPaymentService(db, gw)
	owner := testUser(t, db, "owner")
	other := testUser(t, db, "other")

	result, err := svc.CreateDeposit(context.Background(), owner, DepositRequest{
		Amount:      decimal.RequireFromString("100.00"),
		PayCurrency: "trx",
	})
	if err != nil {
		t.Fatalf("CreateDeposit failed: %v", err)
	}

	if _, err := svc.PaymentStatus(context.Background(), other.ID, result.OrderID); !errors.Is(err, ErrPaymentNotFound) {
		t.Errorf("another user's order must not resolve, got %v", err)
	}
}

func TestListPayments(t *testing.T) {
	db := newTestDB(t)
	gw := &fakeGateway{invoiceResp: &CreateInvoiceResponse{ID: json.Number("1"), InvoiceURL: "https://example.com"}}
	svc := newPaymentService(db, gw)
	user := testUser(t, db, "trader8")

	for i := 0; i < 5; i++ {
		if _, err := svc.CreateDeposit(context.Background(), user, DepositRequest{
			Amount: decimal.RequireFromString("30.00"),
		}); err != nil {
			t.Fatalf("deposit %d failed: %v", i, err)
		}
		// The invoice_id column is unique; vary the fake's response.
		gw.invoiceResp = &CreateInvoiceResponse{ID: json.Number(fmt.Sprintf("%d", i+2)), InvoiceURL: "https://example.com"}
	}

	page, total, err := svc.ListPayments(user.ID, 1, 2)
	if err != nil {
		t.Fatalf("ListPayments failed: %v", err)
	}
	if total != 5 {
		t.Errorf("expected total 5, got %d", total)
	}
	if len(page) != 2 {
		t.Errorf("expected page of 2, got %d", len(page))
	}

	page, _, err = svc.ListPayments(user.ID, 3, 2)
	if err != nil {
		t.Fatalf("ListPayments failed: %v", err)
	}
	if len(page) != 1 {
		t.Errorf("expected last page of 1, got %d", len(page))
	}
}
