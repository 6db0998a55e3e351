// services/notifications.go
package services

import (
	"fmt"
	"log"
	"time"

	"stocksco-payment-system/models"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gorm.io/gorm"
)

// NotificationService creates user-facing dashboard notifications.
type NotificationService struct {
	DB      *gorm.DB
	printer *message.Printer
}

func NewNotificationService(db *gorm.DB) *NotificationService {
	return &NotificationService{
		DB:      db,
		printer: message.NewPrinter(language.English),
	}
}

// CreateWalletNotification records a deposit credit on the user's dashboard.
func (s *NotificationService) CreateWalletNotification(userID uint, meta models.WalletMeta) (*models.Notification, error) {
	encoded, err := models.EncodeMeta(meta)
	if err != nil {
		return nil, err
	}

	amount := s.printer.Sprintf("%.2f", meta.Amount.InexactFloat64())
	actionURL := fmt.Sprintf("/dashboard/payments/status/%s", meta.OrderID)
	actionText := "View payment"

	now := time.Now().UTC()
	notification := models.Notification{
		UserID:     userID,
		Type:       models.NotificationSuccess,
		Category:   models.CategoryWallet,
		Priority:   models.PriorityNormal,
		Title:      "Deposit Completed",
		Message:    fmt.Sprintf("Your deposit of %s %s has been credited to your wallet.", amount, meta.Currency),
		ActionText: &actionText,
		ActionURL:  &actionURL,
		Metadata:   &encoded,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.DB.Create(&notification).Error; err != nil {
		return nil, fmt.Errorf("failed to create wallet notification: %w", err)
	}

	log.Printf("🔔 Wallet notification created for user %d (order %s)", userID, meta.OrderID)
	return &notification, nil
}

// CreateSecurityNotification records a security event on the dashboard.
func (s *NotificationService) CreateSecurityNotification(userID uint, title, msg string, meta models.SecurityMeta) (*models.Notification, error) {
	encoded, err := models.EncodeMeta(meta)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	notification := models.Notification{
		UserID:    userID,
		Type:      models.NotificationWarning,
		Category:  models.CategorySecurity,
		Priority:  models.PriorityHigh,
		Title:     title,
		Message:   msg,
		Metadata:  &encoded,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.DB.Create(&notification).Error; err != nil {
		return nil, fmt.Errorf("failed to create security notification: %w", err)
	}
	return &notification, nil
}
