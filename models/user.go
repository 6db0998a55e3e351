// models/user.go
package models

import (
	"time"
)

// User is the minimal account surface the payment system needs.
// Registration, sessions and KYC live in the auth service.
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Email     string    `gorm:"type:varchar(255);not null;uniqueIndex" json:"email"`
	Username  string    `gorm:"type:varchar(100);not null" json:"username"`
	FirstName string    `gorm:"type:varchar(100)" json:"first_name"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}
