// models/wallet.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet holds one user's balance. Created lazily on first access and
// credited only by the reconciliation engine's completion path.
type Wallet struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	UserID    uint            `gorm:"not null;uniqueIndex" json:"user_id"`
	Balance   decimal.Decimal `gorm:"type:numeric(18,8);not null;default:0" json:"balance"`
	Currency  string          `gorm:"type:varchar(10);not null;default:USD" json:"currency"`
	CreatedAt time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time       `gorm:"not null" json:"updated_at"`
}

func (Wallet) TableName() string { return "wallets" }
