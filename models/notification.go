// models/notification.go
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Notification type/severity levels.
const (
	NotificationSuccess = "success"
	NotificationWarning = "warning"
	NotificationInfo    = "info"
	NotificationDanger  = "danger"
)

// Notification categories for grouping and filtering.
const (
	CategoryWallet   = "wallet"
	CategorySecurity = "security"
	CategorySystem   = "system"
)

// Priority levels for ordering and display.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// NotificationMeta is the tagged metadata variant attached to a notification.
// Each category carries only the fields relevant to it, so the payload the
// completion handler builds is checked at compile time instead of being a
// free-form JSON blob.
type NotificationMeta interface {
	Kind() string
}

// WalletMeta accompanies deposit/withdrawal notifications.
type WalletMeta struct {
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Method        string          `json:"method"`
	OrderID       string          `json:"order_id"`
	TransactionID uint            `json:"transaction_id"`
}

func (WalletMeta) Kind() string { return CategoryWallet }

// SecurityMeta accompanies sign-in and credential-change notifications.
type SecurityMeta struct {
	Event     string `json:"event"`
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
}

func (SecurityMeta) Kind() string { return CategorySecurity }

// EncodeMeta serializes a metadata variant with its kind tag.
func EncodeMeta(meta NotificationMeta) (string, error) {
	body, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to encode notification metadata: %w", err)
	}
	tagged, err := json.Marshal(struct {
		Kind string          `json:"kind"`
		Data json.RawMessage `json:"data"`
	}{Kind: meta.Kind(), Data: body})
	if err != nil {
		return "", fmt.Errorf("failed to encode notification metadata: %w", err)
	}
	return string(tagged), nil
}

// DecodeMeta restores a metadata variant from its tagged form.
func DecodeMeta(raw string) (NotificationMeta, error) {
	var envelope struct {
		Kind string          `json:"kind"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode notification metadata: %w", err)
	}

	switch envelope.Kind {
	case CategoryWallet:
		var meta WalletMeta
		if err := json.Unmarshal(envelope.Data, &meta); err != nil {
			return nil, err
		}
		return meta, nil
	case CategorySecurity:
		var meta SecurityMeta
		if err := json.Unmarshal(envelope.Data, &meta); err != nil {
			return nil, err
		}
		return meta, nil
	default:
		return nil, fmt.Errorf("unknown notification metadata kind %q", envelope.Kind)
	}
}

// Notification is a user-facing dashboard notification.
type Notification struct {
	ID     uint `gorm:"primaryKey" json:"id"`
	UserID uint `gorm:"not null;index:idx_user_read_created,priority:1" json:"user_id"`

	Type     string `gorm:"type:varchar(20);not null;default:info" json:"type"`
	Category string `gorm:"type:varchar(50);not null;default:system" json:"category"`
	Priority string `gorm:"type:varchar(20);not null;default:normal" json:"priority"`
	Title    string `gorm:"type:varchar(200);not null" json:"title"`
	Message  string `gorm:"type:text;not null" json:"message"`

	ActionText *string `gorm:"type:varchar(100)" json:"action_text"`
	ActionURL  *string `gorm:"type:varchar(500)" json:"action_url"`

	IsRead bool       `gorm:"not null;default:false;index:idx_user_read_created,priority:2" json:"is_read"`
	ReadAt *time.Time `json:"read_at"`

	// Tagged-variant metadata, see EncodeMeta/DecodeMeta.
	Metadata *string `gorm:"type:text" json:"metadata"`

	CreatedAt time.Time `gorm:"not null;index:idx_user_read_created,priority:3" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`

	EmailSent   bool       `gorm:"not null;default:false" json:"email_sent"`
	EmailSentAt *time.Time `json:"email_sent_at"`
}

func (Notification) TableName() string { return "notifications" }
