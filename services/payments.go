// services/payments.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"stocksco-payment-system/models"

	"github.com/google/uuid"
	"github.com/gosimple/unidecode"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ValidationError rejects bad deposit input before anything is persisted or
// sent to the processor.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

var ErrPaymentNotFound = errors.New("payment not found")

// PaymentConfig is the deposit policy, loaded from the environment once and
// injected.
type PaymentConfig struct {
	// MinDeposit rejects amounts that would be eaten by network fees.
	MinDeposit     decimal.Decimal
	IPNCallbackURL string
	SuccessURL     string
	CancelURL      string
	FixedRate      bool
	FeePaidByUser  bool
}

// PaymentService owns deposit initiation and the status query surface.
type PaymentService struct {
	DB             *gorm.DB
	Gateway        ProcessorGateway
	Transactions   *TransactionService
	Reconciliation *ReconciliationService
	Config         PaymentConfig
}

func NewPaymentService(db *gorm.DB, gateway ProcessorGateway, transactions *TransactionService, reconciliation *ReconciliationService, cfg PaymentConfig) *PaymentService {
	return &PaymentService{
		DB:             db,
		Gateway:        gateway,
		Transactions:   transactions,
		Reconciliation: reconciliation,
		Config:         cfg,
	}
}

// DepositRequest is the body of the deposit modal's POST.
type DepositRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PaymentMethod string          `json:"payment_method"`
	PayCurrency   string          `json:"pay_currency"`
	Description   string          `json:"description"`
}

// DepositResult is returned to the frontend modal.
type DepositResult struct {
	PaymentDBID   uint             `json:"payment_id"`
	OrderID       string           `json:"order_id"`
	PaymentStatus string           `json:"payment_status"`
	Amount        decimal.Decimal  `json:"amount"`
	Currency      string           `json:"currency"`
	InvoiceID     *string          `json:"invoice_id,omitempty"`
	InvoiceURL    *string          `json:"invoice_url,omitempty"`
	PayAddress    *string          `json:"pay_address,omitempty"`
	PayAmount     *decimal.Decimal `json:"pay_amount,omitempty"`
	PayCurrency   *string          `json:"pay_currency,omitempty"`
}

// validateDeposit applies structural checks first, then business rules, in
// that order for every branch.
func (s *PaymentService) validateDeposit(req DepositRequest) error {
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return &ValidationError{Msg: "Invalid amount. Please enter a valid deposit amount."}
	}

	method := req.PaymentMethod
	if method == "" {
		method = "crypto"
	}
	switch method {
	case "crypto":
	case "card":
		return &ValidationError{Msg: "Bank transfer payments are not available yet. Please use cryptocurrency."}
	default:
		return &ValidationError{Msg: "Invalid payment method. Please select cryptocurrency."}
	}

	if req.Amount.LessThan(s.Config.MinDeposit) {
		return &ValidationError{
			Msg: fmt.Sprintf("Minimum deposit is $%s due to blockchain network fees.", s.Config.MinDeposit.StringFixed(2)),
		}
	}
	return nil
}

// CreateDeposit validates the request, creates the payment (or invoice) at
// the processor, and persists the payment record together with its pending
// transaction in one commit. A gateway failure persists nothing; a
// persistence failure after a successful gateway call logs the external id
// prominently, since the processor has no cancel operation.
func (s *PaymentService) CreateDeposit(ctx context.Context, user *models.User, req DepositRequest) (*DepositResult, error) {
	if err := s.validateDeposit(req); err != nil {
		return nil, err
	}

	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = "USD"
	}

	orderID := fmt.Sprintf("DEPOSIT-%s", strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8]))

	description := req.Description
	if description == "" {
		// The processor rejects non-ASCII order descriptions.
		description = fmt.Sprintf("Account Deposit - %s", unidecode.Unidecode(user.Username))
	}

	now := time.Now().UTC()
	payment := models.CryptoPayment{
		OrderID:          orderID,
		UserID:           user.ID,
		PriceAmount:      req.Amount,
		PriceCurrency:    currency,
		PaymentStatus:    StatusWaiting,
		OrderDescription: &description,
		SuccessURL:       optString(s.Config.SuccessURL),
		CancelURL:        optString(s.Config.CancelURL),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if req.PayCurrency != "" {
		// Direct payment: the cryptocurrency is fixed up front.
		resp, err := s.Gateway.CreatePayment(ctx, CreatePaymentRequest{
			PriceAmount:      req.Amount,
			PriceCurrency:    currency,
			PayCurrency:      strings.ToLower(req.PayCurrency),
			OrderID:          orderID,
			OrderDescription: description,
			IPNCallbackURL:   s.Config.IPNCallbackURL,
			SuccessURL:       s.Config.SuccessURL,
			CancelURL:        s.Config.CancelURL,
			FixedRate:        s.Config.FixedRate,
			FeePaidByUser:    s.Config.FeePaidByUser,
		})
		if err != nil {
			return nil, err
		}

		payment.PaymentType = models.PaymentTypePayment
		payment.PaymentID = optString(resp.PaymentID.String())
		payment.PayAddress = optString(resp.PayAddress)
		payment.PayinExtraID = resp.PayinExtraID
		payment.PayAmount = resp.PayAmount
		payment.PayCurrency = optString(resp.PayCurrency)
		payment.PurchaseID = optString(resp.PurchaseID.String())
		if resp.PaymentStatus != "" {
			payment.PaymentStatus = resp.PaymentStatus
		}
		if resp.ExpirationEstimateDate != "" {
			if exp, err := time.Parse(time.RFC3339, resp.ExpirationEstimateDate); err == nil {
				payment.ExpirationEstimateDate = &exp
			}
		}
	} else {
		// Invoice: the user picks the cryptocurrency on the hosted page.
		resp, err := s.Gateway.CreateInvoice(ctx, CreateInvoiceRequest{
			PriceAmount:      req.Amount,
			PriceCurrency:    currency,
			OrderID:          orderID,
			OrderDescription: description,
			IPNCallbackURL:   s.Config.IPNCallbackURL,
			SuccessURL:       s.Config.SuccessURL,
			CancelURL:        s.Config.CancelURL,
			FixedRate:        s.Config.FixedRate,
			FeePaidByUser:    s.Config.FeePaidByUser,
		})
		if err != nil {
			return nil, err
		}

		payment.PaymentType = models.PaymentTypeInvoice
		payment.InvoiceID = optString(resp.ID.String())
		payment.InvoiceURL = optString(resp.InvoiceURL)
	}

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&payment).Error; err != nil {
			return err
		}
		_, err := s.Transactions.CreateDeposit(tx, &payment)
		return err
	})
	if err != nil {
		externalID := "?"
		if payment.PaymentID != nil {
			externalID = *payment.PaymentID
		} else if payment.InvoiceID != nil {
			externalID = *payment.InvoiceID
		}
		// The external payment exists and cannot be cancelled; keep its id
		// visible for manual reconciliation.
		log.Printf("🚨 Payment created at processor but NOT persisted: external_id=%s order_id=%s user_id=%d: %v",
			externalID, orderID, user.ID, err)
		return nil, fmt.Errorf("failed to persist payment record for order %s: %w", orderID, err)
	}

	log.Printf("✅ Payment created successfully: %s (type=%s, user=%d)", orderID, payment.PaymentType, user.ID)

	result := &DepositResult{
		PaymentDBID:   payment.ID,
		OrderID:       orderID,
		PaymentStatus: payment.PaymentStatus,
		Amount:        req.Amount,
		Currency:      currency,
	}
	if payment.PaymentType == models.PaymentTypeInvoice {
		result.InvoiceID = payment.InvoiceID
		result.InvoiceURL = payment.InvoiceURL
	} else {
		result.PayAddress = payment.PayAddress
		result.PayAmount = payment.PayAmount
		result.PayCurrency = payment.PayCurrency
	}
	return result, nil
}

// PaymentStatus returns the current snapshot for one of the user's orders,
// opportunistically refreshing it from the processor first. A failed poll
// serves the cached state.
func (s *PaymentService) PaymentStatus(ctx context.Context, userID uint, orderID string) (*models.PaymentSnapshot, error) {
	var payment models.CryptoPayment
	err := s.DB.Where("order_id = ? AND user_id = ?", orderID, userID).First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}

	s.Reconciliation.RefreshFromProcessor(ctx, &payment)

	snapshot := payment.Snapshot()
	return &snapshot, nil
}

// GetByOrderID returns the stored snapshot without contacting the processor.
func (s *PaymentService) GetByOrderID(userID uint, orderID string) (*models.PaymentSnapshot, error) {
	var payment models.CryptoPayment
	err := s.DB.Where("order_id = ? AND user_id = ?", orderID, userID).First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	snapshot := payment.Snapshot()
	return &snapshot, nil
}

// GetByInvoiceID returns the snapshot for an invoice view, no refresh:
// invoice-only records cannot be polled.
func (s *PaymentService) GetByInvoiceID(userID uint, invoiceID string) (*models.PaymentSnapshot, error) {
	var payment models.CryptoPayment
	err := s.DB.Where("invoice_id = ? AND user_id = ?", invoiceID, userID).First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	snapshot := payment.Snapshot()
	return &snapshot, nil
}

// ListPayments pages through a user's deposit history, newest first.
func (s *PaymentService) ListPayments(userID uint, page, perPage int) ([]models.PaymentSnapshot, int64, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 10
	}

	var total int64
	if err := s.DB.Model(&models.CryptoPayment{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var payments []models.CryptoPayment
	err := s.DB.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(perPage).
		Offset((page - 1) * perPage).
		Find(&payments).Error
	if err != nil {
		return nil, 0, err
	}

	snapshots := make([]models.PaymentSnapshot, 0, len(payments))
	for i := range payments {
		snapshots = append(snapshots, payments[i].Snapshot())
	}
	return snapshots, total, nil
}
