// models/payment.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment flow types. A direct payment fixes the cryptocurrency up front;
// an invoice lets the user pick it on the processor's hosted page.
const (
	PaymentTypePayment = "payment"
	PaymentTypeInvoice = "invoice"
)

// CryptoPayment tracks one deposit attempt against the payment processor.
// Table name: crypto_payments
type CryptoPayment struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// Processor identifiers. Exactly one is set at creation time; an
	// invoice-flow record acquires a payment_id from its first IPN and is
	// looked up by that key afterwards.
	PaymentID *string `gorm:"type:varchar(100);uniqueIndex" json:"payment_id"`
	InvoiceID *string `gorm:"type:varchar(100);uniqueIndex" json:"invoice_id"`

	// Internal correlation key, never reused. Joins to Transaction by value.
	OrderID string `gorm:"type:varchar(100);not null;uniqueIndex" json:"order_id"`
	UserID  uint   `gorm:"not null;index" json:"user_id"`

	PriceAmount   decimal.Decimal  `gorm:"type:numeric(18,2);not null" json:"price_amount"`
	PriceCurrency string           `gorm:"type:varchar(10);not null;default:USD" json:"price_currency"`
	PayAmount     *decimal.Decimal `gorm:"type:numeric(30,12)" json:"pay_amount"`
	PayCurrency   *string          `gorm:"type:varchar(10)" json:"pay_currency"`
	ActuallyPaid  *decimal.Decimal `gorm:"type:numeric(30,12)" json:"actually_paid"`

	PaymentStatus string `gorm:"type:varchar(50);not null;default:waiting" json:"payment_status"`
	PaymentType   string `gorm:"type:varchar(20);not null;default:payment" json:"payment_type"`

	PayAddress   *string `gorm:"type:varchar(255)" json:"pay_address"`
	PayinExtraID *string `gorm:"type:varchar(255)" json:"payin_extra_id"`

	InvoiceURL *string `gorm:"type:varchar(500)" json:"invoice_url"`
	SuccessURL *string `gorm:"type:varchar(500)" json:"success_url"`
	CancelURL  *string `gorm:"type:varchar(500)" json:"cancel_url"`

	OrderDescription *string `gorm:"type:text" json:"order_description"`
	PurchaseID       *string `gorm:"type:varchar(100)" json:"purchase_id"`

	OutcomeAmount   *decimal.Decimal `gorm:"type:numeric(30,12)" json:"outcome_amount"`
	OutcomeCurrency *string          `gorm:"type:varchar(10)" json:"outcome_currency"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`

	ExpirationEstimateDate *time.Time `json:"expiration_estimate_date"`
	ExpiredAt              *time.Time `json:"expired_at"`
}

func (CryptoPayment) TableName() string { return "crypto_payments" }

// PaymentCallback logs every inbound IPN attempt, valid or not.
// Financial forensics depend on this table being append-only.
type PaymentCallback struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// Nullable: callbacks for payments this system never created are still
	// logged, they just have nothing to link to.
	PaymentDBID *uint `gorm:"index" json:"payment_db_id"`

	PaymentID     string           `gorm:"type:varchar(100);not null;index" json:"payment_id"`
	PaymentStatus string           `gorm:"type:varchar(50);not null" json:"payment_status"`
	PayAmount     *decimal.Decimal `gorm:"type:numeric(30,12)" json:"pay_amount"`
	ActuallyPaid  *decimal.Decimal `gorm:"type:numeric(30,12)" json:"actually_paid"`

	// Raw body as received. Unparseable payloads land here verbatim.
	CallbackData string `gorm:"type:text;not null" json:"callback_data"`

	Signature      *string `gorm:"type:varchar(255)" json:"signature"`
	SignatureValid bool    `gorm:"not null;default:false" json:"signature_valid"`

	ReceivedAt time.Time `gorm:"not null" json:"received_at"`
}

func (PaymentCallback) TableName() string { return "payment_callbacks" }

// Status classification helpers. The authoritative constants live in the
// gateway client; these mirror the processor vocabulary for display logic.

func IsPaymentCompleted(p *CryptoPayment) bool {
	return p.PaymentStatus == "finished" || p.PaymentStatus == "confirmed"
}

func IsPaymentPending(p *CryptoPayment) bool {
	switch p.PaymentStatus {
	case "waiting", "confirming", "sending", "partially_paid":
		return true
	}
	return false
}

func IsPaymentFailed(p *CryptoPayment) bool {
	switch p.PaymentStatus {
	case "failed", "expired", "refunded":
		return true
	}
	return false
}

// PaymentSnapshot is the serializable view served to the dashboard.
type PaymentSnapshot struct {
	ID                     uint             `json:"id"`
	PaymentID              *string          `json:"payment_id"`
	InvoiceID              *string          `json:"invoice_id"`
	OrderID                string           `json:"order_id"`
	PriceAmount            decimal.Decimal  `json:"price_amount"`
	PriceCurrency          string           `json:"price_currency"`
	PayAmount              *decimal.Decimal `json:"pay_amount"`
	PayCurrency            *string          `json:"pay_currency"`
	ActuallyPaid           *decimal.Decimal `json:"actually_paid"`
	PaymentStatus          string           `json:"payment_status"`
	PaymentType            string           `json:"payment_type"`
	PayAddress             *string          `json:"pay_address"`
	InvoiceURL             *string          `json:"invoice_url"`
	IsCompleted            bool             `json:"is_completed"`
	IsPending              bool             `json:"is_pending"`
	IsFailed               bool             `json:"is_failed"`
	CreatedAt              time.Time        `json:"created_at"`
	UpdatedAt              time.Time        `json:"updated_at"`
	ExpirationEstimateDate *time.Time       `json:"expiration_estimate_date"`
}

func (p *CryptoPayment) Snapshot() PaymentSnapshot {
	return PaymentSnapshot{
		ID:                     p.ID,
		PaymentID:              p.PaymentID,
		InvoiceID:              p.InvoiceID,
		OrderID:                p.OrderID,
		PriceAmount:            p.PriceAmount,
		PriceCurrency:          p.PriceCurrency,
		PayAmount:              p.PayAmount,
		PayCurrency:            p.PayCurrency,
		ActuallyPaid:           p.ActuallyPaid,
		PaymentStatus:          p.PaymentStatus,
		PaymentType:            p.PaymentType,
		PayAddress:             p.PayAddress,
		InvoiceURL:             p.InvoiceURL,
		IsCompleted:            IsPaymentCompleted(p),
		IsPending:              IsPaymentPending(p),
		IsFailed:               IsPaymentFailed(p),
		CreatedAt:              p.CreatedAt,
		UpdatedAt:              p.UpdatedAt,
		ExpirationEstimateDate: p.ExpirationEstimateDate,
	}
}
