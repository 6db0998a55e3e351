// models/transaction.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Internal transaction statuses. External processor statuses are mapped onto
// these by the reconciliation engine; once a row reaches completed it never
// moves again.
const (
	TransactionPending    = "pending"
	TransactionConfirming = "confirming"
	TransactionCompleted  = "completed"
	TransactionFailed     = "failed"
	TransactionExpired    = "expired"
)

// Transaction is one row of the history table. Rows are append-only: the
// amount never changes after creation, only the status column moves.
type Transaction struct {
	ID     uint `gorm:"primaryKey" json:"id"`
	UserID uint `gorm:"not null;index:idx_tx_user_id" json:"user_id"`

	Type        string          `gorm:"type:varchar(50);not null" json:"type"`        // "Deposit"
	Description string          `gorm:"type:varchar(255);not null" json:"description"` // "Crypto"
	Amount      decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"amount"`
	Status      string          `gorm:"type:varchar(30);not null;default:pending" json:"status"`
	Date        time.Time       `gorm:"not null" json:"date"`

	// Correlation key back to crypto_payments, joined by value. At most one
	// transaction exists per order.
	OrderID  string `gorm:"type:varchar(100);not null;uniqueIndex" json:"order_id"`
	WalletID uint   `gorm:"not null" json:"wallet_id"`
}

func (Transaction) TableName() string { return "transactions" }
