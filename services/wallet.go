// services/wallet.go
package services

import (
	"time"

	"stocksco-payment-system/models"

	"gorm.io/gorm"
)

type WalletService struct {
	DB *gorm.DB
}

func NewWalletService(db *gorm.DB) *WalletService {
	return &WalletService{DB: db}
}

// GetOrCreate returns the user's wallet, creating an empty USD wallet on
// first access.
func (s *WalletService) GetOrCreate(tx *gorm.DB, userID uint) (*models.Wallet, error) {
	if tx == nil {
		tx = s.DB
	}
	var wallet models.Wallet
	now := time.Now().UTC()
	err := tx.Where(models.Wallet{UserID: userID}).
		Attrs(models.Wallet{Currency: "USD", CreatedAt: now, UpdatedAt: now}).
		FirstOrCreate(&wallet).Error
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

func (s *WalletService) GetByUserID(userID uint) (*models.Wallet, error) {
	var wallet models.Wallet
	if err := s.DB.Where("user_id = ?", userID).First(&wallet).Error; err != nil {
		return nil, err
	}
	return &wallet, nil
}
