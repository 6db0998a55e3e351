// services/transactions.go
package services

import (
	"fmt"
	"time"

	"stocksco-payment-system/models"

	"gorm.io/gorm"
)

// TransactionService maintains the transaction history table.
type TransactionService struct {
	DB      *gorm.DB
	Wallets *WalletService
}

func NewTransactionService(db *gorm.DB, wallets *WalletService) *TransactionService {
	return &TransactionService{DB: db, Wallets: wallets}
}

// CreateDeposit writes the pending history row that mirrors a new crypto
// payment. Runs inside the caller's transaction so the payment record and
// its ledger row commit together.
func (s *TransactionService) CreateDeposit(tx *gorm.DB, payment *models.CryptoPayment) (*models.Transaction, error) {
	if tx == nil {
		tx = s.DB
	}

	wallet, err := s.Wallets.GetOrCreate(tx, payment.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve wallet for user %d: %w", payment.UserID, err)
	}

	trx := models.Transaction{
		UserID:      payment.UserID,
		Type:        "Deposit",
		Description: "Crypto",
		Amount:      payment.PriceAmount,
		Status:      models.TransactionPending,
		Date:        time.Now().UTC(),
		OrderID:     payment.OrderID,
		WalletID:    wallet.ID,
	}
	if err := tx.Create(&trx).Error; err != nil {
		return nil, fmt.Errorf("failed to create deposit transaction: %w", err)
	}
	return &trx, nil
}

func (s *TransactionService) GetByOrderID(orderID string) (*models.Transaction, error) {
	var trx models.Transaction
	if err := s.DB.Where("order_id = ?", orderID).First(&trx).Error; err != nil {
		return nil, err
	}
	return &trx, nil
}

// GetUserTransactions returns the history table rows, newest first.
func (s *TransactionService) GetUserTransactions(userID uint) ([]models.Transaction, error) {
	var txs []models.Transaction
	if err := s.DB.Where("user_id = ?", userID).Order("date DESC").Find(&txs).Error; err != nil {
		return nil, err
	}
	return txs, nil
}
